package service

import (
	"context"
	"testing"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/anomaly"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/queue"
	"github.com/septivank/meter-tariff-worker/internal/tariff"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func gridTariff(policy model.MeterValuesPolicy) model.TariffDefinition {
	return model.TariffDefinition{
		ID:                "grid",
		Module:            "goodwe",
		Name:              "import",
		Type:              model.TariffExpense,
		Source:            "grid",
		MeterValuesPolicy: policy,
		Rates:             []model.RateWindow{{StartOfDay: 0, AmountPerUnit: 10, TaxPercent: 20, RateID: "flat"}},
	}
}

func newProcessor(t *testing.T, defs ...model.TariffDefinition) (*ProcessorService, *queue.Queue) {
	t.Helper()
	q := queue.New(8)
	t.Cleanup(q.Discard)

	p := NewProcessorService(
		q,
		tariff.NewRouter(defs),
		tariff.NewAccumulator(),
		anomaly.NewDetector(anomaly.Config{MaxAbs: 250000}),
		validator.NewValidator(5),
		zap.NewNop(),
	)
	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	return p, q
}

func reading(offset time.Duration, value float64) model.MeterReading {
	return model.MeterReading{
		Time:    base.Add(offset).UnixMilli(),
		Source:  "goodwe",
		ID:      "grid",
		Reading: value,
		Unit:    "W",
	}
}

func drain(t *testing.T, q *queue.Queue, n int) []model.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]model.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := q.Pop(ctx)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestHandle_EnqueuesReadingThenCharge(t *testing.T) {
	p, q := newProcessor(t, gridTariff(model.PolicyPositive))
	ctx := context.Background()

	out, err := p.Handle(ctx, reading(0, 1000))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Nil(t, out.Charge, "first reading never produces a charge")

	out, err = p.Handle(ctx, reading(time.Hour, 2000))
	require.NoError(t, err)
	require.NotNil(t, out.Charge)
	assert.InDelta(t, 24.0, out.Charge.Amount, 1e-9)

	entries := drain(t, q, 3)
	assert.Equal(t, "reading", entries[0].Kind())
	assert.Equal(t, "reading", entries[1].Kind())
	assert.Equal(t, "tariff", entries[2].Kind())
	assert.Equal(t, "import", entries[2].Charge.Name)
	assert.Equal(t, "20%", entries[2].Charge.Tax)
}

func TestHandle_PolarityMismatchSkipsTariffButKeepsReading(t *testing.T) {
	p, q := newProcessor(t, gridTariff(model.PolicyPositive))
	ctx := context.Background()

	_, err := p.Handle(ctx, reading(0, -500))
	require.NoError(t, err)
	_, err = p.Handle(ctx, reading(time.Hour, -500))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return q.Size() == 2 }, time.Second, 5*time.Millisecond)
	_, ok := p.accumulator.Last("grid")
	assert.False(t, ok, "export readings do not touch import tariff state")
}

func TestHandle_UnroutedSourceSkipsTariff(t *testing.T) {
	p, q := newProcessor(t, gridTariff(model.PolicyBoth))

	r := reading(0, 100)
	r.Source = "enistic"
	out, err := p.Handle(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.accumulator.Meters())
}

func TestHandle_RejectsInvalidAndSpuriousReadings(t *testing.T) {
	p, q := newProcessor(t, gridTariff(model.PolicyBoth))
	ctx := context.Background()

	bad := reading(0, 100)
	bad.Unit = ""
	out, err := p.Handle(ctx, bad)
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, "empty unit", out.Reason)

	out, err = p.Handle(ctx, reading(0, 300000))
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "spurious value")

	assert.Zero(t, q.Size())
	assert.Zero(t, p.accumulator.Meters())
}

func TestHandle_ClosedQueue(t *testing.T) {
	p, q := newProcessor(t)
	q.Close()

	_, err := p.Handle(context.Background(), reading(0, 100))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestHandle_CancelledContext(t *testing.T) {
	p, q := newProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Handle(ctx, reading(0, 100))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, q.Size())
}
