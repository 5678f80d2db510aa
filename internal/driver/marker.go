package driver

import "strings"

// InputMarker is printed by the input hook installed in supported runtimes
// immediately before the program blocks reading stdin.
const InputMarker = "__WAITING_FOR_INPUT__"

// MarkerDriver reports a prompt whenever a line carries InputMarker. The
// marker is removed; any text before it (the prompt passed to input()) is
// forwarded without a line terminator.
type MarkerDriver struct{}

// NewMarkerDriver creates a new marker driver instance.
func NewMarkerDriver() *MarkerDriver {
	return &MarkerDriver{}
}

func (d *MarkerDriver) Name() string { return NameMarker }

func (d *MarkerDriver) Parse(line string) ParseResult {
	i := strings.Index(line, InputMarker)
	if i < 0 {
		return ParseResult{Output: line}
	}

	before := line[:i]
	after := trimEOL(line[i+len(InputMarker):])
	return ParseResult{Output: before + after, InputPrompt: true}
}

func (d *MarkerDriver) Reset() {}
