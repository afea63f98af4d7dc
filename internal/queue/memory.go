package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBrokerClosed = errors.New("broker closed")

// DeadLetter is a task that exhausted its retries or failed permanently.
type DeadLetter struct {
	Envelope Envelope
	Err      string
	At       time.Time
}

// MemoryBroker keeps tasks in process memory. It backs tests and the
// worker's --dry-run mode; nothing survives a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	pending map[Kind][]Envelope
	keys    map[string]bool
	signals map[Kind]chan struct{}
	dead    []DeadLetter
	closed  bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pending: make(map[Kind][]Envelope),
		keys:    make(map[string]bool),
		signals: make(map[Kind]chan struct{}),
	}
}

func dedupKey(env Envelope) string {
	return string(env.Kind) + "/" + env.DedupKey
}

func (b *MemoryBroker) signalLocked(kind Kind) chan struct{} {
	ch, ok := b.signals[kind]
	if !ok {
		ch = make(chan struct{}, 1)
		b.signals[kind] = ch
	}
	return ch
}

func (b *MemoryBroker) wakeLocked(kind Kind) {
	select {
	case b.signalLocked(kind) <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if env.DedupKey != "" {
		if b.keys[dedupKey(env)] {
			return nil
		}
		b.keys[dedupKey(env)] = true
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.AvailableAt.IsZero() {
		env.AvailableAt = time.Now()
	}
	b.pending[env.Kind] = append(b.pending[env.Kind], env)
	b.wakeLocked(env.Kind)
	return nil
}

// next pops the earliest due task. When none is due it returns how long
// until the next one, or zero when the kind is empty.
func (b *MemoryBroker) next(kind Kind) (Envelope, time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.pending[kind]
	if len(queue) == 0 {
		return Envelope{}, 0, false
	}
	best := 0
	for i := range queue {
		if queue[i].AvailableAt.Before(queue[best].AvailableAt) {
			best = i
		}
	}
	if wait := time.Until(queue[best].AvailableAt); wait > 0 {
		return Envelope{}, wait, false
	}
	env := queue[best]
	b.pending[kind] = append(queue[:best:best], queue[best+1:]...)
	return env, 0, true
}

func (b *MemoryBroker) requeue(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[env.Kind] = append(b.pending[env.Kind], env)
	b.wakeLocked(env.Kind)
}

func (b *MemoryBroker) Consume(ctx context.Context, kind Kind, _ int) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	signal := b.signalLocked(kind)
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			env, wait, ok := b.next(kind)
			if ok {
				select {
				case out <- &memoryDelivery{broker: b, env: env}:
					continue
				case <-ctx.Done():
					b.requeue(env)
					return
				}
			}
			if wait == 0 {
				wait = time.Minute
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-signal:
			case <-timer.C:
			}
			timer.Stop()
		}
	}()
	return out, nil
}

func (b *MemoryBroker) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// DeadLetters returns every dead-lettered task so far.
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Pending counts tasks of a kind waiting to be claimed.
func (b *MemoryBroker) Pending(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[kind])
}

type memoryDelivery struct {
	broker *MemoryBroker
	env    Envelope
}

func (d *memoryDelivery) Envelope() Envelope { return d.env }

func (d *memoryDelivery) Ack(context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	delete(d.broker.keys, dedupKey(d.env))
	return nil
}

func (d *memoryDelivery) Retry(_ context.Context, delay time.Duration, cause error) error {
	env := d.env
	env.Attempt++
	env.AvailableAt = time.Now().Add(delay)
	if cause != nil {
		env.LastError = cause.Error()
	}
	d.broker.requeue(env)
	return nil
}

func (d *memoryDelivery) DeadLetter(_ context.Context, cause error) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	delete(d.broker.keys, dedupKey(d.env))
	dl := DeadLetter{Envelope: d.env, At: time.Now()}
	if cause != nil {
		dl.Err = cause.Error()
	}
	d.broker.dead = append(d.broker.dead, dl)
	return nil
}
