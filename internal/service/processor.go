package service

import (
	"context"
	"errors"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/anomaly"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/metrics"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/queue"
	"github.com/septivank/meter-tariff-worker/internal/tariff"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned when readings arrive after shutdown began
var ErrQueueClosed = errors.New("ingestion queue closed")

// Outcome describes what happened to a handled reading
type Outcome struct {
	Accepted bool
	Reason   string
	Charge   *model.MeterTariffCharge
}

// ProcessorService turns poller readings into queue entries: it validates
// each reading, drops spurious values, runs the tariff engine and enqueues
// the reading and any resulting charge.
type ProcessorService struct {
	queue       *queue.Queue
	router      *tariff.Router
	accumulator *tariff.Accumulator
	detector    *anomaly.Detector
	validator   *validator.Validator
	logger      *zap.Logger
	now         func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	q *queue.Queue,
	router *tariff.Router,
	accumulator *tariff.Accumulator,
	detector *anomaly.Detector,
	validator *validator.Validator,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		queue:       q,
		router:      router,
		accumulator: accumulator,
		detector:    detector,
		validator:   validator,
		logger:      logger,
		now:         time.Now,
	}
}

// Handle processes one reading. Rejected readings are logged and reported in
// the outcome; only cancellation or a closed queue is an error.
func (s *ProcessorService) Handle(ctx context.Context, reading model.MeterReading) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	log := logging.WithMeter(s.logger, reading.ID)

	if result := s.validator.ValidateReading(reading, s.now()); !result.IsValid {
		metrics.ObserveRejected("invalid")
		log.Warn("reading rejected",
			zap.String("source", reading.Source),
			zap.String("reason", result.AnomalyReason))
		return Outcome{Reason: result.AnomalyReason}, nil
	}

	if isAnomaly, reason := s.detector.Check(reading.ID, reading.Reading); isAnomaly {
		metrics.ObserveRejected("anomaly")
		log.Warn("spurious reading dropped",
			zap.String("source", reading.Source),
			zap.Float64("reading", reading.Reading),
			zap.String("reason", reason))
		return Outcome{Reason: reason}, nil
	}

	if !s.queue.Push(model.ReadingEntry(reading)) {
		return Outcome{}, ErrQueueClosed
	}
	metrics.ObserveEnqueued("reading")

	outcome := Outcome{Accepted: true}
	defs := s.router.Route(reading)
	if len(defs) == 0 {
		return outcome, nil
	}

	charge := s.accumulator.Accumulate(reading.ID, reading, defs)
	if charge == nil {
		return outcome, nil
	}
	if !s.queue.Push(model.ChargeEntry(*charge)) {
		return Outcome{}, ErrQueueClosed
	}
	metrics.ObserveEnqueued("tariff")
	log.Debug("tariff charge computed",
		zap.String("tariff", charge.Name),
		zap.Float64("amount", charge.Amount),
		zap.String("rate", charge.TariffLabel))

	outcome.Charge = charge
	return outcome, nil
}
