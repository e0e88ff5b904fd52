package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/mq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// broker dials RabbitMQ on first use and shares the connection between the
// amqp sink and amqp pollers. Deployments without either never connect.
type broker struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *mq.Connection
}

// ProvideBroker creates the lazy RabbitMQ connection holder
func ProvideBroker(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) *broker {
	b := &broker{url: cfg.RabbitMQ.URL, logger: logger}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.conn == nil {
				return nil
			}
			if err := b.conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})
	return b
}

// Connect returns the shared connection, dialing it on the first call that
// succeeds
func (b *broker) Connect() (*mq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}
	if b.url == "" {
		return nil, fmt.Errorf("%w: RABBITMQ_URL is not set", config.ErrInvalid)
	}

	b.logger.Info("attempting to connect to RabbitMQ...")
	conn, err := mq.Dial(b.url, b.logger)
	if err != nil {
		b.logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, err
	}
	b.logger.Info("rabbitmq connection established successfully")
	b.conn = conn
	return conn, nil
}
