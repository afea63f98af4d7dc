package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/unclebandit/marketplace-automation/internal/config"
	appErrors "github.com/unclebandit/marketplace-automation/internal/errors"
	"github.com/unclebandit/marketplace-automation/internal/metrics"
)

// Policy decides how a task kind is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds one handler run; zero means no bound.
	Timeout time.Duration
	// ReportDelay re-runs a report pipeline whose report was not ready.
	ReportDelay time.Duration
}

// Delay returns the jittered exponential delay before the given retry
// (attempt counts from zero).
func (p Policy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Minute
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// DefaultPolicies derives the per-kind policies from the configuration.
func DefaultPolicies(cfg config.Config) map[Kind]Policy {
	return map[Kind]Policy{
		KindReportSync: {
			MaxAttempts: 5,
			BaseDelay:   30 * time.Second,
			MaxDelay:    10 * time.Minute,
			// two reports per run, each polled and then downloaded
			Timeout:     2 * (time.Duration(cfg.Report.MaxPolls+2)*cfg.Report.PollInterval.Std() + cfg.API.DownloadTimeout.Std()),
			ReportDelay: cfg.Report.RetryDelay.Std(),
		},
		KindMatchOrders: {
			MaxAttempts: 10,
			BaseDelay:   5 * time.Second,
			MaxDelay:    5 * time.Minute,
			Timeout:     5 * time.Minute,
		},
		KindSchedulerTick: {
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    time.Minute,
			Timeout:     time.Minute,
		},
		// the dispatcher counts send attempts on the row itself; the extra
		// tries cover marketplace and database hiccups around the send
		KindDispatch: {
			MaxAttempts: cfg.Dispatch.MaxAttempts + 2,
			BaseDelay:   30 * time.Second,
			MaxDelay:    15 * time.Minute,
			Timeout:     cfg.Dispatch.Deadline.Std(),
		},
	}
}

// HandlerFunc processes one decoded envelope.
type HandlerFunc func(ctx context.Context, env Envelope) error

type registration struct {
	kind    Kind
	workers int
	policy  Policy
	handle  HandlerFunc
}

// Runtime consumes every registered kind with its own bounded pool.
type Runtime struct {
	Broker Broker
	Log    *zap.Logger
	// OnAuth runs before a task failing with an AuthError is dead-lettered.
	OnAuth func(ctx context.Context, err *appErrors.AuthError)

	regs map[Kind]registration
}

func NewRuntime(b Broker, log *zap.Logger) *Runtime {
	return &Runtime{Broker: b, Log: log, regs: make(map[Kind]registration)}
}

// Register installs the handler for a kind. Registering a kind twice
// replaces the earlier handler.
func (r *Runtime) Register(kind Kind, workers int, policy Policy, h HandlerFunc) {
	if workers <= 0 {
		workers = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r.regs[kind] = registration{kind: kind, workers: workers, policy: policy, handle: h}
}

// Handle registers a typed handler; payloads that do not decode into T are
// dead-lettered.
func Handle[T Task](r *Runtime, workers int, policy Policy, fn func(ctx context.Context, task T) error) {
	var zero T
	r.Register(zero.Kind(), workers, policy, func(ctx context.Context, env Envelope) error {
		var task T
		if err := json.Unmarshal(env.Payload, &task); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s payload: %w", env.Kind, err))
		}
		return fn(ctx, task)
	})
}

// Run consumes until ctx is cancelled and every in-flight task has finished.
func (r *Runtime) Run(ctx context.Context) error {
	streams := make(map[Kind]<-chan Delivery, len(r.regs))
	for kind, reg := range r.regs {
		ch, err := r.Broker.Consume(ctx, kind, reg.workers)
		if err != nil {
			return fmt.Errorf("consume %s: %w", kind, err)
		}
		streams[kind] = ch
	}

	var wg conc.WaitGroup
	for kind, ch := range streams {
		reg := r.regs[kind]
		wg.Go(func() { r.serve(ctx, reg, ch) })
		r.Log.Info("consuming tasks", zap.String("task_kind", string(kind)), zap.Int("workers", reg.workers))
	}
	wg.Wait()
	return ctx.Err()
}

// serve takes a delivery only once a worker slot is free, so a claimed task
// never waits behind busy handlers.
func (r *Runtime) serve(ctx context.Context, reg registration, ch <-chan Delivery) {
	slots := semaphore.NewWeighted(int64(reg.workers))
	var running conc.WaitGroup
	defer running.Wait()
	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			return
		}
		var d Delivery
		select {
		case <-ctx.Done():
			slots.Release(1)
			return
		case next, ok := <-ch:
			if !ok {
				slots.Release(1)
				return
			}
			d = next
		}
		running.Go(func() {
			defer slots.Release(1)
			r.process(ctx, reg, d)
		})
	}
}

func (r *Runtime) process(ctx context.Context, reg registration, d Delivery) {
	env := d.Envelope()
	log := r.Log.With(
		zap.String("task_kind", string(env.Kind)),
		zap.String("task_id", env.ID),
		zap.Int("attempt", env.Attempt),
	)

	start := time.Now()
	err := r.run(ctx, reg, env)
	metrics.TaskDuration.WithLabelValues(string(env.Kind)).Observe(time.Since(start).Seconds())

	// settle even when ctx is already cancelled, so the task is not lost
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	outcome, serr := r.settle(settleCtx, reg.policy, d, err, log)
	metrics.TasksTotal.WithLabelValues(string(env.Kind), outcome).Inc()
	if serr != nil {
		log.Error("settle task", zap.String("outcome", outcome), zap.Error(serr))
	}
}

func (r *Runtime) run(ctx context.Context, reg registration, env Envelope) (err error) {
	if reg.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.policy.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return reg.handle(ctx, env)
}

// settle maps the handler result onto the delivery and returns the outcome
// label.
func (r *Runtime) settle(ctx context.Context, p Policy, d Delivery, err error, log *zap.Logger) (string, error) {
	env := d.Envelope()
	if err == nil {
		return "ok", d.Ack(ctx)
	}

	var permanent *backoff.PermanentError
	var auth *appErrors.AuthError
	switch {
	case errors.As(err, &auth):
		if r.OnAuth != nil {
			r.OnAuth(ctx, auth)
		}
		log.Error("authorization failed, task dead-lettered", zap.Error(err))
		return "dead_letter", d.DeadLetter(ctx, err)

	case errors.As(err, &permanent), appErrors.IsValidation(err):
		log.Error("task failed permanently", zap.Error(err))
		return "dead_letter", d.DeadLetter(ctx, err)
	}

	if env.Attempt+1 >= p.MaxAttempts {
		log.Error("task exhausted retries", zap.Int("max_attempts", p.MaxAttempts), zap.Error(err))
		return "dead_letter", d.DeadLetter(ctx, err)
	}

	delay := p.Delay(env.Attempt)
	var transient *appErrors.TransientError
	switch {
	case appErrors.IsReportRetryable(err) && p.ReportDelay > 0:
		delay = p.ReportDelay
	case errors.As(err, &transient) && transient.RetryAfter > delay:
		delay = transient.RetryAfter
	}
	log.Warn("task failed, retrying", zap.Duration("delay", delay), zap.Error(err))
	return "retry", d.Retry(ctx, delay, err)
}
