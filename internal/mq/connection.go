package mq

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Connection wraps a RabbitMQ connection and redials it when the broker
// drops it.
type Connection struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial opens a connection. The caller owns it and must Close it.
func Dial(url string, logger *zap.Logger) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] cannot connect, check that RabbitMQ is running and RABBITMQ_URL is correct: %w", err)
	}
	return &Connection{url: url, logger: logger, conn: conn}, nil
}

// Channel opens a channel, redialing first if the connection was lost
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		c.logger.Warn("rabbitmq connection lost, redialing")
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("[RABBITMQ] redial failed: %w", err)
		}
		c.conn = conn
	}
	return c.conn.Channel()
}

// Close closes the underlying connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
