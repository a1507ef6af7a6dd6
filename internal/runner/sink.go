package runner

// Sink receives command output one line at a time, in the order lines arrive
// from the child's stdout and stderr readers.
type Sink interface {
	WriteLine(line string, stderr bool)
}

type discard struct{}

func (discard) WriteLine(string, bool) {}

// Discard drops every line.
var Discard Sink = discard{}
