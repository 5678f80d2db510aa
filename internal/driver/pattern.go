package driver

import "regexp"

// defaultPromptPatterns are heuristics for programs that print a prompt
// line before reading input.
var defaultPromptPatterns = []string{
	`^input\(['"]?(.+?)['"]?\)`,
	`(?:Enter|Type|Provide|Give|Insert).+?:`,
	`Please .+?:`,
	`\w+: $`,
	`\w+\?\s*$`,
	`^>>>\s*$`,
}

// PatternDriver reports a prompt when a line looks like a question or an
// input request. The line itself is still forwarded as output.
type PatternDriver struct {
	patterns []*regexp.Regexp

	// lastPrompt suppresses repeated prompts for an identical line.
	lastPrompt string
}

// NewPatternDriver creates a pattern driver with the default heuristics.
func NewPatternDriver() *PatternDriver {
	return NewPatternDriverWith(defaultPromptPatterns...)
}

// NewPatternDriverWith creates a pattern driver using the given expressions.
// It panics if an expression does not compile.
func NewPatternDriverWith(exprs ...string) *PatternDriver {
	d := &PatternDriver{}
	for _, e := range exprs {
		d.patterns = append(d.patterns, regexp.MustCompile(e))
	}
	return d
}

func (d *PatternDriver) Name() string { return NamePattern }

func (d *PatternDriver) Parse(line string) ParseResult {
	result := ParseResult{Output: line}

	clean := trimEOL(stripANSI(line))
	if clean == "" {
		d.lastPrompt = ""
		return result
	}

	for _, p := range d.patterns {
		if p.MatchString(clean) {
			result.InputPrompt = clean != d.lastPrompt
			d.lastPrompt = clean
			return result
		}
	}
	d.lastPrompt = ""
	return result
}

func (d *PatternDriver) Reset() {
	d.lastPrompt = ""
}
