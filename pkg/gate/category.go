package gate

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
)

// Category classifies a tool call for gating purposes.
type Category string

const (
	// CategoryRead never waits on a gate.
	CategoryRead Category = "read"
	// CategoryWrite mutates files or other shared state; serialized.
	CategoryWrite Category = "write"
	// CategoryExecute runs shell commands or subprocesses; serialized.
	CategoryExecute Category = "execute"
)

// AllCategories returns every valid category.
func AllCategories() []Category {
	return []Category{CategoryRead, CategoryWrite, CategoryExecute}
}

// IsValidCategory checks a category string from config or API input.
func IsValidCategory(category string) bool {
	cat := Category(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// Classifier maps tool names onto categories through an explicit table:
// exact overrides first, then well-known name tokens. Unknown tools classify
// as WRITE so an unclassified mutating tool cannot sneak past the gate;
// operators relax that per tool via overrides.
type Classifier struct {
	mu        sync.RWMutex
	overrides map[string]Category
}

// NewClassifier creates a classifier with an empty override table.
func NewClassifier() *Classifier {
	return &Classifier{overrides: make(map[string]Category)}
}

// Set pins a tool name to a category, overriding the built-in tokens.
func (c *Classifier) Set(name string, category Category) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if !IsValidCategory(string(category)) {
		return fmt.Errorf("invalid category: %s", category)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[strings.ToLower(name)] = Category(strings.ToLower(string(category)))
	return nil
}

var executeTokens = map[string]bool{
	"exec": true, "execute": true, "run": true, "shell": true, "bash": true,
	"sh": true, "command": true, "cmd": true, "spawn": true, "terminal": true,
	"process": true, "kill": true,
}

var writeTokens = map[string]bool{
	"write": true, "edit": true, "create": true, "delete": true, "remove": true,
	"rm": true, "move": true, "mv": true, "rename": true, "mkdir": true,
	"patch": true, "update": true, "insert": true, "append": true, "put": true,
	"set": true, "save": true, "upload": true, "push": true, "commit": true,
	"apply": true,
}

var readTokens = map[string]bool{
	"read": true, "get": true, "list": true, "ls": true, "search": true,
	"fetch": true, "find": true, "grep": true, "glob": true, "status": true,
	"show": true, "describe": true, "query": true, "view": true, "cat": true,
	"head": true, "tail": true, "stat": true, "diff": true, "log": true,
}

// Classify returns the category for a tool name.
func (c *Classifier) Classify(name string) Category {
	lower := strings.ToLower(name)

	c.mu.RLock()
	if cat, ok := c.overrides[lower]; ok {
		c.mu.RUnlock()
		return cat
	}
	c.mu.RUnlock()

	// Execute tokens are checked before write: "run_update" must land in the
	// execute lane even though updates write.
	tokens := tokenize(name)
	for _, tok := range tokens {
		if executeTokens[tok] {
			return CategoryExecute
		}
	}
	for _, tok := range tokens {
		if writeTokens[tok] {
			return CategoryWrite
		}
	}
	for _, tok := range tokens {
		if readTokens[tok] {
			return CategoryRead
		}
	}
	return CategoryWrite
}

// tokenize splits snake_case, kebab-case, and camelCase names into lowercase
// words.
func tokenize(name string) []string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	lower := strings.ToLower(b.String())
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
