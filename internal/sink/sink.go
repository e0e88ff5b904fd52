// Package sink persists readings and tariff charges. Every backend classifies
// its driver errors as transient (retried by the writer) or permanent (fatal).
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/septivank/meter-tariff-worker/internal/model"
)

var (
	// ErrTransient marks failures worth retrying, e.g. a dropped connection
	ErrTransient = errors.New("transient sink failure")
	// ErrPermanent marks failures that retrying cannot fix, e.g. a rejected write
	ErrPermanent = errors.New("permanent sink failure")
)

// Sink is a durable backend for readings and tariff charges
type Sink interface {
	Name() string
	WriteReading(ctx context.Context, r model.MeterReading) error
	WriteTariff(ctx context.Context, c model.MeterTariffCharge) error
	Close() error
}

// Reader is implemented by sinks that can read records back
type Reader interface {
	Readings(ctx context.Context, meterID string, limit int) ([]model.MeterReading, error)
	Tariffs(ctx context.Context, meterID string, limit int) ([]model.MeterTariffCharge, error)
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Transient wraps err so that IsTransient reports true
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrTransient, err: err}
}

// Permanent wraps err so that IsTransient reports false
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrPermanent, err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrPermanent)
}

// Write persists a queue entry through the matching Sink method
func Write(ctx context.Context, s Sink, e model.Entry) error {
	switch {
	case e.Reading != nil:
		return s.WriteReading(ctx, *e.Reading)
	case e.Charge != nil:
		return s.WriteTariff(ctx, *e.Charge)
	default:
		return Permanent(fmt.Errorf("empty queue entry"))
	}
}
