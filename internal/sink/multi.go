package sink

import (
	"context"
	"errors"
	"strings"

	"github.com/septivank/meter-tariff-worker/internal/model"
)

// Multi fans every write out to all of its sinks in order. The first failing
// sink stops the write so a retry repeats it from the start, which gives
// at-least-once delivery on every backend.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks into one
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Name lists the combined sinks
func (m *Multi) Name() string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (m *Multi) WriteReading(ctx context.Context, r model.MeterReading) error {
	for _, s := range m.sinks {
		if err := s.WriteReading(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) WriteTariff(ctx context.Context, c model.MeterTariffCharge) error {
	for _, s := range m.sinks {
		if err := s.WriteTariff(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Reader returns the first sink that can read records back
func (m *Multi) Reader() (Reader, bool) {
	for _, s := range m.sinks {
		if r, ok := s.(Reader); ok {
			return r, true
		}
	}
	return nil, false
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
