// Package queue is the task runtime: typed tasks carried by a durable broker
// and consumed by bounded worker pools, one per task kind.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/marketplace-automation/internal/config"
)

// Envelope is a task as the brokers carry it.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Attempt     int             `json:"attempt"`
	AvailableAt time.Time       `json:"available_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// NewEnvelope encodes t for publishing. A positive delay holds the task back.
func NewEnvelope(t Task, delay time.Duration) (Envelope, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s task: %w", t.Kind(), err)
	}
	return Envelope{
		ID:          uuid.NewString(),
		Kind:        t.Kind(),
		Payload:     payload,
		DedupKey:    t.DedupKey(),
		AvailableAt: time.Now().Add(max(delay, 0)),
	}, nil
}

// Delivery is one claimed task. Exactly one of Ack, Retry or DeadLetter
// must be called.
type Delivery interface {
	Envelope() Envelope
	Ack(ctx context.Context) error
	// Retry puts the task back with its attempt counter raised.
	Retry(ctx context.Context, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, cause error) error
}

// Broker stores tasks durably and hands them to consumers.
type Broker interface {
	// Publish is a no-op when a task with the same kind and dedup key is
	// already pending or running, where the broker supports it.
	Publish(ctx context.Context, env Envelope) error
	// Consume streams deliveries of one kind until ctx is done. prefetch
	// bounds how many deliveries are claimed ahead of the handlers.
	Consume(ctx context.Context, kind Kind, prefetch int) (<-chan Delivery, error)
	Health(ctx context.Context) error
	Close() error
}

// Publish encodes and publishes t.
func Publish(ctx context.Context, b Broker, t Task, delay time.Duration) error {
	env, err := NewEnvelope(t, delay)
	if err != nil {
		return err
	}
	if err := b.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s task: %w", t.Kind(), err)
	}
	return nil
}

// Open returns the broker selected by cfg.Driver. conn is only used by the
// postgres driver.
func Open(cfg config.Queue, conn *sql.DB, log *zap.Logger) (Broker, error) {
	switch cfg.Driver {
	case "postgres":
		if conn == nil {
			return nil, fmt.Errorf("postgres broker needs a database connection")
		}
		return NewPostgresBroker(conn, cfg.PollInterval.Std(), cfg.Lease.Std(), log), nil
	case "amqp":
		return NewAMQPBroker(cfg.AMQPURL, cfg.AMQPPrefix, log)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
