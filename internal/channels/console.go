package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Console writes agent responses to a terminal writer. It backs the CLI
// chat channel and gives tests a concrete adapter.
type Console struct {
	name string
	mu   sync.Mutex
	w    io.Writer
}

// NewConsole creates a console adapter. Default: name "cli", stdout.
func NewConsole(name string, w io.Writer) *Console {
	if name == "" {
		name = "cli"
	}
	if w == nil {
		w = os.Stdout
	}
	return &Console{name: name, w: w}
}

func (c *Console) Name() string { return c.name }

// Send writes the text followed by a newline. The chat ID has no meaning
// on a terminal and is ignored.
func (c *Console) Send(_ context.Context, _ string, text string, _ SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, text)
	return err
}
