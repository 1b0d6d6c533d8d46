// README: RabbitMQ bridge so envelopes published on one instance reach subscribers on every instance.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errBrokerGone = errors.New("broker connection lost")

// Dialer opens a fresh broker connection. The bridge calls it again after every disconnect.
type Dialer func() (*amqp.Connection, error)

// AMQPBridge publishes envelopes to a fanout exchange and feeds every envelope
// consumed from its own exclusive queue into the local publisher (the hub).
// While the broker is unreachable envelopes go to the local publisher directly.
type AMQPBridge struct {
	dial     Dialer
	exchange string
	local    Publisher
	log      *slog.Logger
	retry    func() backoff.BackOff

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

func NewAMQPBridge(dial Dialer, exchange string, local Publisher, logger *slog.Logger) (*AMQPBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &AMQPBridge{
		dial:     dial,
		exchange: exchange,
		local:    local,
		log:      logger.With("component", "notify.amqp"),
		retry:    reconnectBackOff,
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func reconnectBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// connect replaces the connection and the publish channel.
func (b *AMQPBridge) connect() error {
	conn, err := b.dial()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		b.exchange, // name
		"fanout",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		conn.Close()
		return backoff.Permanent(errors.New("bridge closed"))
	}
	if b.conn != nil && !b.conn.IsClosed() {
		b.conn.Close()
	}
	b.conn, b.ch = conn, ch
	return nil
}

// Publish returns once the broker has confirmed the envelope.
func (b *AMQPBridge) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.ch == nil || b.ch.IsClosed() {
		b.mu.Unlock()
		b.log.Debug("broker unavailable, delivering locally", "recipient_id", env.RecipientID)
		return b.local.Publish(ctx, env)
	}
	dc, err := b.ch.PublishWithDeferredConfirmWithContext(ctx,
		b.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   env.ID,
			Timestamp:   env.CreatedAt,
			Body:        body,
		})
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errors.New("broker nacked envelope")
	}
	return nil
}

// Run consumes this instance's queue until ctx is done, reconnecting with backoff
// whenever the broker drops the connection or either channel.
func (b *AMQPBridge) Run(ctx context.Context) error {
	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("notification bridge lost the broker", "error", err)

		err = backoff.RetryNotify(b.connect, backoff.WithContext(b.retry(), ctx), func(err error, wait time.Duration) {
			b.log.Warn("reconnect to broker", "error", err, "retry_in", wait)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		b.log.Info("notification bridge reconnected")
	}
}

func (b *AMQPBridge) consume(ctx context.Context) error {
	b.mu.Lock()
	conn, pub := b.conn, b.ch
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() || pub == nil {
		return errBrokerGone
	}
	pubClosed := pub.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	b.log.Info("consuming notifications", "queue", q.Name, "exchange", b.exchange)
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-pubClosed:
			if amqpErr != nil {
				return fmt.Errorf("publish channel closed: %w", amqpErr)
			}
			return errBrokerGone
		case msg, ok := <-msgs:
			if !ok {
				return errBrokerGone
			}
			b.deliver(ctx, msg)
		}
	}
}

func (b *AMQPBridge) deliver(ctx context.Context, msg amqp.Delivery) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		b.log.Error("decode envelope", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}
	if err := b.local.Publish(ctx, env); err != nil {
		b.log.Warn("local delivery failed", "recipient_id", env.RecipientID, "error", err)
	}
	_ = msg.Ack(false)
}

// Close stops reconnect attempts and closes the broker connection.
func (b *AMQPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.ch = nil
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
