package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/metrics"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/mq"
	"github.com/septivank/meter-tariff-worker/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage is a batch of readings published by a remote collector.
// Each reading carries either a numeric time and reading or the text date
// and data fields some collectors send.
type IngestMessage struct {
	RequestID string          `json:"request_id"`
	Readings  []IngestReading `json:"readings"`
}

// IngestReading is one reading inside an IngestMessage
type IngestReading struct {
	ID      string   `json:"id"`
	Time    int64    `json:"time,omitempty"`
	Reading *float64 `json:"reading,omitempty"`
	Date    string   `json:"date,omitempty"`
	Data    string   `json:"data,omitempty"`
	Unit    string   `json:"unit,omitempty"`
}

// AMQP consumes readings pushed through RabbitMQ. Readings are attributed to
// this poller, so tariffs configured on its meters apply to them.
type AMQP struct {
	name       string
	exchange   string
	queue      string
	routingKey string
	rabbit     config.RabbitMQConfig
	meters     map[string]config.MeterConfig
	connect    func() (*mq.Connection, error)
	validator  *validator.Validator
	logger     *zap.Logger
	now        func() time.Time
}

// NewAMQP creates a broker-fed poller. Params: exchange, queue, routing_key.
func NewAMQP(cfg config.PollerConfig, deps Deps) (Poller, error) {
	if deps.Connect == nil {
		return nil, fmt.Errorf("%w: poller %q needs RABBITMQ_URL", config.ErrInvalid, cfg.Name)
	}
	meters := make(map[string]config.MeterConfig, len(cfg.Meters))
	for _, m := range cfg.Meters {
		meters[m.ID] = m
	}
	return &AMQP{
		name:       cfg.Name,
		exchange:   cfg.Param("exchange", "meter-tariff.ingest.exchange"),
		queue:      cfg.Param("queue", cfg.Name+".readings"),
		routingKey: cfg.Param("routing_key", "meter.reading.ingested"),
		rabbit:     deps.RabbitMQ,
		meters:     meters,
		connect:    deps.Connect,
		validator:  deps.Validator,
		logger:     logging.WithUnit(deps.Logger, cfg.Name),
		now:        time.Now,
	}, nil
}

func (a *AMQP) Name() string { return a.name }

// Run consumes until ctx is cancelled or the broker drops the channel
func (a *AMQP) Run(ctx context.Context, emit Emit) error {
	conn, err := a.connect()
	if err != nil {
		return err
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         a.queue,
		DLQQueue:      a.rabbit.DLQQueue,
		Exchange:      a.exchange,
		RoutingKey:    a.routingKey,
		PrefetchCount: a.rabbit.PrefetchCount,
		Logger:        a.logger,
		Handler: func(ctx context.Context, body []byte) error {
			return a.handle(ctx, body, emit)
		},
	})
	if err != nil {
		return fmt.Errorf("amqp %s: %w", a.name, err)
	}
	defer consumer.Close()

	return consumer.Run(ctx)
}

// handle decodes a message and emits its readings. A malformed message is
// rejected as a whole and dead-lettered. An emit failure, which only happens
// on shutdown, requeues the message for the next consumer.
func (a *AMQP) handle(ctx context.Context, body []byte, emit Emit) error {
	readings, err := a.decode(body)
	if err != nil {
		metrics.ObserveDecodeError(a.name)
		return err
	}
	metrics.ObservePollerCycle(a.name, "ok")
	for _, r := range readings {
		if err := emit(ctx, r); err != nil {
			return fmt.Errorf("%w: %w", mq.ErrRequeue, err)
		}
	}
	return nil
}

func (a *AMQP) decode(body []byte) ([]model.MeterReading, error) {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	log := logging.WithRequestID(a.logger, msg.RequestID)

	receivedAt := a.now()
	out := make([]model.MeterReading, 0, len(msg.Readings))
	for _, in := range msg.Readings {
		meter, known := a.meters[in.ID]
		if len(a.meters) > 0 && !known {
			log.Debug("ignoring reading for unconfigured meter", zap.String("meter_id", in.ID))
			continue
		}
		unit := unitOr(in.Unit, unitOr(meter.Unit, "watts"))

		if in.Date != "" {
			r, result := a.validator.ValidateMetricData(a.name, validator.MetricData{
				ID: in.ID, Date: in.Date, Data: in.Data, Unit: unit,
			}, receivedAt)
			if !result.IsValid {
				return nil, fmt.Errorf("%w: reading %q: %s", ErrDecode, in.ID, result.AnomalyReason)
			}
			out = append(out, r)
			continue
		}

		if in.Reading == nil || in.Time <= 0 {
			return nil, fmt.Errorf("%w: reading %q needs time and reading or date and data", ErrDecode, in.ID)
		}
		out = append(out, model.MeterReading{
			Time:    in.Time,
			Source:  a.name,
			ID:      in.ID,
			Reading: *in.Reading,
			Unit:    unit,
		})
	}
	return out, nil
}
