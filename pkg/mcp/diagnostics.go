package mcp

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultDiagnosticsCapacity is the number of lines a server's diagnostics
// ring retains.
const DefaultDiagnosticsCapacity = 100

// Diagnostics is a bounded ring of recent stderr output and lifecycle notes
// for one server. It implements io.Writer so it can be handed to a child
// process directly.
type Diagnostics struct {
	mu       sync.Mutex
	capacity int
	lines    []string
	start    int
	length   int
	partial  strings.Builder
}

// NewDiagnostics creates a ring holding capacity lines
// (DefaultDiagnosticsCapacity when <= 0).
func NewDiagnostics(capacity int) *Diagnostics {
	if capacity <= 0 {
		capacity = DefaultDiagnosticsCapacity
	}
	return &Diagnostics{
		capacity: capacity,
		lines:    make([]string, capacity),
	}
}

// Write splits the input on newlines and appends each complete line to the
// ring. An unterminated trailing fragment is buffered until its newline
// arrives.
func (d *Diagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			d.appendLocked(d.partial.String())
			d.partial.Reset()
			continue
		}
		d.partial.WriteByte(b)
	}
	return len(p), nil
}

// Recordf appends a formatted lifecycle note, timestamped like a log line.
func (d *Diagnostics) Recordf(format string, args ...interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendLocked(fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...)))
}

func (d *Diagnostics) appendLocked(line string) {
	if d.length < d.capacity {
		d.lines[(d.start+d.length)%d.capacity] = line
		d.length++
		return
	}
	d.lines[d.start] = line
	d.start = (d.start + 1) % d.capacity
}

// Lines returns the retained lines, oldest first.
func (d *Diagnostics) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, d.length)
	for i := 0; i < d.length; i++ {
		out = append(out, d.lines[(d.start+i)%d.capacity])
	}
	return out
}
