package sink

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/mq"
	"go.uber.org/zap"
)

// AMQPConfig holds routing keys for the broker sink
type AMQPConfig struct {
	ReadingsRoutingKey string
	TariffsRoutingKey  string
}

// AMQP publishes readings and charges to a RabbitMQ topic exchange for
// downstream consumers
type AMQP struct {
	publisher *mq.Publisher
	cfg       AMQPConfig
	logger    *zap.Logger
}

// NewAMQP creates the broker sink on top of a publisher
func NewAMQP(publisher *mq.Publisher, cfg AMQPConfig, logger *zap.Logger) *AMQP {
	return &AMQP{publisher: publisher, cfg: cfg, logger: logger}
}

func (s *AMQP) Name() string { return "amqp" }

func (s *AMQP) WriteReading(ctx context.Context, r model.MeterReading) error {
	_, err := s.publisher.PublishJSON(ctx, s.cfg.ReadingsRoutingKey, r)
	return classifyAMQP(err)
}

func (s *AMQP) WriteTariff(ctx context.Context, c model.MeterTariffCharge) error {
	_, err := s.publisher.PublishJSON(ctx, s.cfg.TariffsRoutingKey, c)
	return classifyAMQP(err)
}

func (s *AMQP) Close() error {
	return s.publisher.Close()
}

// classifyAMQP retries closed channels, recoverable broker errors and network
// failures. Marshal failures and hard protocol errors are permanent.
func classifyAMQP(err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("[RABBITMQ] %w", err)

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover || errors.Is(err, amqp.ErrClosed) {
			return Transient(err)
		}
		return Permanent(err)
	}
	if isNetworkError(err) {
		return Transient(err)
	}
	return Permanent(err)
}
