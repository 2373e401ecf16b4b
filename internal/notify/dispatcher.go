// Package notify publishes booking notifications for the email dispatcher.
// Delivery is best-effort: callers log failures and never roll back the
// booking operation that triggered them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout = 10 * time.Second
	heartbeat          = 10 * time.Second
)

const (
	TemplateBookingConfirmed = "booking_confirmed"
	TemplateBookingCancelled = "booking_cancelled"
	TemplateBookingExpired   = "booking_expired"
)

// Notification is the dispatcher's input: who receives it, the subject
// line, which template to render, and the template context.
type Notification struct {
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Template  string         `json:"template"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// AMQPDispatcher publishes notifications as persistent JSON messages to a
// durable queue. The connection is opened lazily and re-opened after a
// failure. Waiting for the connection and dialling it are both bounded by
// the dispatch context.
type AMQPDispatcher struct {
	url   string
	queue string

	// sem holds the connection state; a one-slot channel so that waiting
	// for it can be abandoned when ctx ends.
	sem  chan struct{}
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPDispatcher(url, queue string) *AMQPDispatcher {
	return &AMQPDispatcher{url: url, queue: queue, sem: make(chan struct{}, 1)}
}

func (d *AMQPDispatcher) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq: waiting for connection: %w", ctx.Err())
	}
}

func (d *AMQPDispatcher) release() {
	<-d.sem
}

// dialTimeout is what is left of ctx, or the default without a deadline.
func dialTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < defaultDialTimeout {
			return left
		}
	}
	return defaultDialTimeout
}

func (d *AMQPDispatcher) channel(ctx context.Context) (*amqp.Channel, error) {
	if d.ch != nil && !d.ch.IsClosed() {
		return d.ch, nil
	}
	if d.conn == nil || d.conn.IsClosed() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("rabbitmq: dial skipped: %w", err)
		}
		conn, err := amqp.DialConfig(d.url, amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(dialTimeout(ctx)),
		})
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
		}
		d.conn = conn
	}
	ch, err := d.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(d.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: queue declare failed: %w", err)
	}
	d.ch = ch
	return ch, nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal notification failed: %w", err)
	}

	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	ch, err := d.channel(ctx)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         n.Template,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", d.queue, false, false, pub); err != nil {
		_ = ch.Close()
		d.ch = nil
		return fmt.Errorf("rabbitmq: publish failed: %w", err)
	}
	return nil
}

func (d *AMQPDispatcher) Close() error {
	d.sem <- struct{}{}
	defer d.release()
	if d.ch != nil {
		_ = d.ch.Close()
		d.ch = nil
	}
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

// LogDispatcher only logs notifications. Used when no broker is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.Logger.Info("notification (no broker configured)",
		"recipient", n.Recipient,
		"template", n.Template,
		"subject", n.Subject,
	)
	return nil
}
