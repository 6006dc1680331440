package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDeliverer publishes events to a RabbitMQ topic exchange. The routing
// key is the configured key or, when empty, the event name.
type AMQPDeliverer struct {
	url        string
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPDeliverer creates a publisher. The connection is opened lazily.
func NewAMQPDeliverer(url, exchange, routingKey string, logger *slog.Logger) *AMQPDeliverer {
	return &AMQPDeliverer{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.With("component", "events", "sink", "amqp"),
	}
}

func (a *AMQPDeliverer) Name() string {
	return "amqp:" + a.exchange
}

// Deliver publishes ev as a persistent JSON message
func (a *AMQPDeliverer) Deliver(ctx context.Context, ev *Event) error {
	body, err := ev.Body()
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to encode event: %w", err)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connect(); err != nil {
		return err
	}

	key := a.routingKey
	if key == "" {
		key = ev.Name
	}

	err = a.ch.PublishWithContext(ctx,
		a.exchange, key, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Type:         ev.Name,
			Timestamp:    ev.OccurredAt,
			Body:         body,
		})
	if err != nil {
		a.reset()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the channel and connection
func (a *AMQPDeliverer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reset()
}

func (a *AMQPDeliverer) connect() error {
	if a.conn != nil && !a.conn.IsClosed() && a.ch != nil && !a.ch.IsClosed() {
		return nil
	}
	a.reset()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", a.exchange, err)
	}

	a.conn, a.ch = conn, ch
	a.logger.Info("connected to AMQP broker", "exchange", a.exchange)
	return nil
}

func (a *AMQPDeliverer) reset() error {
	var err error
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		err = a.conn.Close()
		a.conn = nil
	}
	return err
}
