// Package rabbitmq publishes patronpay notifications to a RabbitMQ topic exchange.
// The routing key is the notification kind, e.g. "commission.status_changed".
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// Config holds configuration for the RabbitMQ notifier
type Config struct {
	// URL is the broker address, amqp:// or amqps:// (required)
	URL string

	// Exchange is the durable topic exchange notifications go to (default: "patronpay.events")
	Exchange string

	// DialTimeout bounds the initial connection (default: 10 seconds)
	DialTimeout time.Duration

	// Logger is used for publish failures (default: NoopLogger)
	Logger patronpay.Logger
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Exchange:    "patronpay.events",
		DialTimeout: 10 * time.Second,
	}
}

// Notifier implements patronpay.Notifier on a RabbitMQ connection
type Notifier struct {
	config Config

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

var _ patronpay.Notifier = (*Notifier)(nil)

// New connects to the broker and declares the exchange
func New(config Config) (*Notifier, error) {
	defaults := DefaultConfig()
	if config.Exchange == "" {
		config.Exchange = defaults.Exchange
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.Logger == nil {
		config.Logger = &patronpay.NoopLogger{}
	}

	cleanURL, err := sanitizeURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", patronpay.ErrConfiguration, err)
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(config.DialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	n := &Notifier{config: config, conn: conn}
	if err := n.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return n, nil
}

// openChannel replaces the channel and redeclares the exchange. Callers hold mu or own n.
func (n *Notifier) openChannel() error {
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		n.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // autoDelete
		false,             // internal
		false,             // noWait
		nil,               // args
	); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", n.config.Exchange, err)
	}
	if n.channel != nil {
		_ = n.channel.Close()
	}
	n.channel = ch
	return nil
}

// Notify publishes a persistent JSON message. A failed publish reopens the channel once and retries.
func (n *Notifier) Notify(ctx context.Context, note patronpay.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    note.Kind + ":" + note.SubjectID + ":" + note.OccurredAt.Format(time.RFC3339Nano),
		Timestamp:    note.OccurredAt,
		Type:         note.Kind,
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.config.Exchange, note.Kind, false, false, msg)
	if err == nil {
		return nil
	}
	n.config.Logger.Warn("RabbitMQ publish failed, reopening channel",
		patronpay.F("kind", note.Kind),
		patronpay.F("error", err),
	)
	if n.conn.IsClosed() {
		return fmt.Errorf("failed to publish %s: %w", note.Kind, err)
	}
	if reopenErr := n.openChannel(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	if err := n.channel.PublishWithContext(ctx, n.config.Exchange, note.Kind, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", note.Kind, err)
	}
	return nil
}

// Close closes the channel and the connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

// sanitizeURL trims quotes and stray whitespace that env files tend to leave around the URL
func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", errors.New("rabbitmq URL is required")
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("rabbitmq URL scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
