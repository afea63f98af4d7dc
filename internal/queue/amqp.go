package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AMQPBroker maps every task kind onto three durable RabbitMQ queues:
//
//	<prefix>.<kind>        work queue, dead-letters into <kind>.dead
//	<prefix>.<kind>.retry  delayed tasks; expired messages flow back to the work queue
//	<prefix>.<kind>.dead   dead letters
//
// RabbitMQ has no publish-side deduplication; the handlers are idempotent
// per task instead.
type AMQPBroker struct {
	conn   *amqp.Connection
	pubMu  sync.Mutex
	pub    *amqp.Channel
	prefix string
	log    *zap.Logger
}

// NewAMQPBroker dials url and declares the queues of every kind.
func NewAMQPBroker(url, prefix string, log *zap.Logger) (*AMQPBroker, error) {
	if prefix == "" {
		prefix = "marketplace"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	b := &AMQPBroker{conn: conn, pub: ch, prefix: prefix, log: log}
	for _, kind := range Kinds {
		if err := b.declare(ch, kind); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *AMQPBroker) workQueue(kind Kind) string { return b.prefix + "." + string(kind) }
func (b *AMQPBroker) retryQueue(kind Kind) string { return b.workQueue(kind) + ".retry" }
func (b *AMQPBroker) deadQueue(kind Kind) string  { return b.workQueue(kind) + ".dead" }

// queueArgs returns the declare arguments of the work and retry queues.
func (b *AMQPBroker) queueArgs(kind Kind) (work, retry amqp.Table) {
	work = amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.deadQueue(kind),
	}
	retry = amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.workQueue(kind),
	}
	return work, retry
}

func (b *AMQPBroker) declare(ch *amqp.Channel, kind Kind) error {
	work, retry := b.queueArgs(kind)
	queues := []struct {
		name string
		args amqp.Table
	}{
		{b.deadQueue(kind), nil},
		{b.workQueue(kind), work},
		{b.retryQueue(kind), retry},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(
			q.name,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			q.args,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func (b *AMQPBroker) publishTo(queue string, env Envelope, expiration time.Duration, headers amqp.Table) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         string(env.Kind),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}
	if expiration > 0 {
		msg.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := b.pub.Publish("", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Publish routes delayed tasks through the retry queue.
func (b *AMQPBroker) Publish(_ context.Context, env Envelope) error {
	if delay := time.Until(env.AvailableAt); delay > 0 {
		return b.publishTo(b.retryQueue(env.Kind), env, delay, nil)
	}
	return b.publishTo(b.workQueue(env.Kind), env, 0, nil)
}

func (b *AMQPBroker) Consume(ctx context.Context, kind Kind, prefetch int) (<-chan Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := ch.Consume(
		b.workQueue(kind),
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					b.log.Warn("consumer channel closed", zap.String("task_kind", string(kind)))
					return
				}
				var env Envelope
				if err := json.Unmarshal(d.Body, &env); err != nil {
					b.log.Warn("undecodable task, dead-lettering", zap.String("task_kind", string(kind)), zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- &amqpDelivery{broker: b, msg: d, env: env}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) Health(context.Context) error {
	if b.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

func (b *AMQPBroker) Close() error {
	b.pubMu.Lock()
	b.pub.Close()
	b.pubMu.Unlock()
	return b.conn.Close()
}

type amqpDelivery struct {
	broker *AMQPBroker
	msg    amqp.Delivery
	env    Envelope
}

func (d *amqpDelivery) Envelope() Envelope { return d.env }

func (d *amqpDelivery) Ack(context.Context) error {
	return d.msg.Ack(false)
}

// Retry republishes a copy through the retry queue and acks the original.
func (d *amqpDelivery) Retry(_ context.Context, delay time.Duration, cause error) error {
	env := d.env
	env.Attempt++
	env.AvailableAt = time.Now().Add(delay)
	env.LastError = errText(cause)
	if err := d.broker.publishTo(d.broker.retryQueue(env.Kind), env, max(delay, time.Millisecond), nil); err != nil {
		_ = d.msg.Nack(false, true)
		return err
	}
	return d.msg.Ack(false)
}

func (d *amqpDelivery) DeadLetter(_ context.Context, cause error) error {
	headers := amqp.Table{"x-last-error": errText(cause), "x-attempts": int32(d.env.Attempt + 1)}
	if err := d.broker.publishTo(d.broker.deadQueue(d.env.Kind), d.env, 0, headers); err != nil {
		// the work queue dead-letters rejected messages on its own
		return d.msg.Nack(false, false)
	}
	return d.msg.Ack(false)
}
