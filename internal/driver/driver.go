// Package driver detects when a running program is waiting for input.
//
// The backend feeds each line a program writes to stdout through a driver;
// the driver decides what text to forward as output and whether to signal
// an input prompt.
package driver

import (
	"fmt"
	"regexp"
	"strings"
)

// Driver names accepted by New.
const (
	NameGeneric = "generic"
	NameMarker  = "marker"
	NamePattern = "pattern"
)

// ParseResult is the outcome of parsing one stdout line.
type ParseResult struct {
	// Output is the text to forward to the client. It may be empty.
	Output string

	// InputPrompt is set when the program is waiting for input.
	InputPrompt bool
}

// PromptDriver inspects program output for input prompts.
// Implementations are used by a single program run at a time.
type PromptDriver interface {
	Name() string
	Parse(line string) ParseResult
	Reset()
}

// New returns the driver registered under name.
func New(name string) (PromptDriver, error) {
	switch name {
	case "", NameGeneric:
		return NewGenericDriver(), nil
	case NameMarker:
		return NewMarkerDriver(), nil
	case NamePattern:
		return NewPatternDriver(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// GenericDriver forwards every line unchanged and never reports a prompt.
type GenericDriver struct{}

// NewGenericDriver creates a new generic driver instance.
func NewGenericDriver() *GenericDriver {
	return &GenericDriver{}
}

func (d *GenericDriver) Name() string { return NameGeneric }

func (d *GenericDriver) Parse(line string) ParseResult {
	return ParseResult{Output: line}
}

func (d *GenericDriver) Reset() {}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// stripANSI removes terminal escape sequences so patterns match visible text.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// trimEOL removes one trailing line terminator.
func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
