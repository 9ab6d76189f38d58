package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

type Spinner struct {
	*spinner.Spinner
	msg string
}

// NewSpinner starts a spinner with the given message on the given terminal.
func NewSpinner(out *os.File, msg string) *Spinner {
	s := &Spinner{
		spinner.New(
			spinner.CharSets[14],
			100*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriterFile(out),
			spinner.WithSuffix(" "+msg),
		),
		msg,
	}
	s.Start()
	return s
}

// Progress shows a counter after the message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Progress(current, total int) {
	if s == nil {
		return
	}
	s.Lock()
	s.Suffix = fmt.Sprintf(" %s %s", s.msg, color.HiBlackString("[%d/%d]", current, total))
	s.Unlock()
}

// Reset shows the bare message again.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Reset() {
	if s == nil {
		return
	}
	s.Lock()
	s.Suffix = " " + s.msg
	s.Unlock()
}

// Success stops the spinner with a check mark.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Success() {
	s.stop(color.HiGreenString("✓"))
}

// Warn stops the spinner with an exclamation mark.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Warn() {
	s.stop(color.HiYellowString("!"))
}

// Fail stops the spinner with a cross.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Fail() {
	s.stop(color.HiRedString("✗"))
}

func (s *Spinner) stop(mark string) {
	if s == nil {
		return
	}
	s.FinalMSG = fmt.Sprintf("%s %s\n", mark, s.msg)
	s.Stop()
}
