package ui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/gammadia/stratus/provisioner"
	"golang.org/x/term"
)

// Console renders provisioning progress. On a terminal every step gets a spinner, otherwise
// steps are printed one per line and progress counters are left out.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	file    *os.File
	spinner *Spinner
}

// Console implements provisioner.UI
var _ provisioner.UI = (*Console)(nil)

func NewConsole(out *os.File) *Console {
	console := &Console{out: out}
	if term.IsTerminal(int(out.Fd())) {
		console.file = out
	}
	return console
}

func (c *Console) Info(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spinner.Success()
	c.spinner = nil

	if c.file != nil {
		c.spinner = NewSpinner(c.file, msg)
	} else {
		fmt.Fprintf(c.out, "%s %s\n", color.HiBlueString("==>"), msg)
	}
}

func (c *Console) Progress(current, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spinner.Progress(current, total)
}

func (c *Console) ClearLine() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spinner.Reset()
}

// Finish stops the current step according to the outcome of the run.
func (c *Console) Finish(state provisioner.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state {
	case provisioner.StateDone:
		c.spinner.Success()
	case provisioner.StateInterrupted:
		c.spinner.Warn()
	default:
		c.spinner.Fail()
	}
	c.spinner = nil
}
