package sink

import (
	"errors"
	"fmt"
)

// ErrUnknownSink is returned for a sink name with no registered factory
var ErrUnknownSink = errors.New("unknown sink")

// Factory builds one sink
type Factory func() (Sink, error)

// Registry maps configured sink names to their factories
type Registry map[string]Factory

// Build creates every named sink and combines them. Sinks already created
// are closed if a later one fails.
func (r Registry) Build(names []string) (*Multi, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no sinks configured")
	}

	sinks := make([]Sink, 0, len(names))
	for _, name := range names {
		factory, ok := r[name]
		if !ok {
			closeAll(sinks)
			return nil, fmt.Errorf("%w %q", ErrUnknownSink, name)
		}
		s, err := factory()
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("failed to create %s sink: %w", name, err)
		}
		sinks = append(sinks, s)
	}
	return NewMulti(sinks...), nil
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}
