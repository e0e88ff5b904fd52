// Package poller turns device protocols into meter readings. Each poller runs
// on its own goroutine with a private socket or channel and stops when its
// context is cancelled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/mq"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"go.uber.org/zap"
)

// ErrDecode marks a malformed device response. Such responses are logged and
// dropped.
var ErrDecode = errors.New("malformed device response")

// Emit forwards a reading downstream. An error stops the poller.
type Emit func(ctx context.Context, r model.MeterReading) error

// Poller produces readings until ctx is cancelled. A returned error means the
// poller died; cancellation returns nil.
type Poller interface {
	Name() string
	Run(ctx context.Context, emit Emit) error
}

// Deps are the shared collaborators a poller factory may need
type Deps struct {
	Logger    *zap.Logger
	Validator *validator.Validator
	RabbitMQ  config.RabbitMQConfig
	// Connect opens the broker connection on first use
	Connect func() (*mq.Connection, error)
}

// Factory builds a poller from its configuration
type Factory func(cfg config.PollerConfig, deps Deps) (Poller, error)

// Registry maps poller type names to factories
type Registry map[string]Factory

// DefaultRegistry returns the built-in poller types
func DefaultRegistry() Registry {
	return Registry{
		"goodwe":  NewGoodWe,
		"enistic": NewEnistic,
		"amqp":    NewAMQP,
	}
}

// Build creates one poller per configured entry
func (r Registry) Build(pollers []config.PollerConfig, deps Deps) ([]Poller, error) {
	out := make([]Poller, 0, len(pollers))
	for _, pc := range pollers {
		factory, ok := r[pc.Type]
		if !ok {
			return nil, fmt.Errorf("%w: poller %q has unknown type %q", config.ErrInvalid, pc.Name, pc.Type)
		}
		p, err := factory(pc, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create poller %q: %w", pc.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func unitOr(unit, def string) string {
	if unit != "" {
		return unit
	}
	return def
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
