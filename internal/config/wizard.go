package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/stewardmcp/steward/pkg/mcp"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Steward Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Println("API keys (optional, required only for `steward chat`):")
	fmt.Println()

	for {
		fmt.Print("Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "anthropic-default",
			Provider: "anthropic",
			APIKey:   key,
			Priority: 1,
		})
		break
	}

	for {
		fmt.Print("OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "openai-default",
			Provider: "openai",
			APIKey:   key,
			Priority: 2,
		})
		break
	}

	fmt.Println()
	fmt.Println("Tool servers (add as many as you like, empty id finishes):")
	fmt.Println()

	for {
		fmt.Print("Server id (press Enter to finish): ")
		id, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if id == "" {
			break
		}
		if err := validator.ValidateServerID(id); err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}

		def, err := w.readServerDefinition()
		if err != nil {
			return nil, err
		}
		if _, err := mcp.FromDefinition(id, *def); err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		cfg.Servers[id] = *def
		fmt.Printf("  added server %s (%s)\n", id, def.Transport)
	}

	return cfg, nil
}

func (w *Wizard) readServerDefinition() (*mcp.Definition, error) {
	def := &mcp.Definition{}

	for {
		fmt.Print("  Transport (stdio, http, sse) [stdio]: ")
		transport, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if transport == "" {
			transport = "stdio"
		}
		if transport != "stdio" && transport != "http" && transport != "sse" {
			fmt.Println("  transport must be stdio, http, or sse")
			continue
		}
		def.Transport = transport
		break
	}

	if def.Transport == "stdio" {
		fmt.Print("  Command: ")
		command, err := w.readLine()
		if err != nil {
			return nil, err
		}
		def.Command = command

		fmt.Print("  Arguments (space separated, optional): ")
		args, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if args != "" {
			def.Args = strings.Fields(args)
		}
	} else {
		fmt.Print("  URL: ")
		url, err := w.readLine()
		if err != nil {
			return nil, err
		}
		def.URL = url
	}

	return def, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
