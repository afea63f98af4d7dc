package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Trigger publishes the tasks Plan returns every Every, starting at once.
type Trigger struct {
	Name  string
	Every time.Duration
	Plan  func(ctx context.Context) ([]Task, error)
}

// Periodic drives the triggers until ctx is done. Dedup keys keep a slow
// task from piling up behind its own trigger.
type Periodic struct {
	Broker   Broker
	Triggers []Trigger
	Log      *zap.Logger
}

func (p *Periodic) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range p.Triggers {
		if t.Every <= 0 {
			p.Log.Warn("trigger disabled", zap.String("trigger", t.Name))
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(t.Every)
			defer ticker.Stop()
			for {
				p.fire(ctx, t)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (p *Periodic) fire(ctx context.Context, t Trigger) {
	tasks, err := t.Plan(ctx)
	if err != nil {
		p.Log.Warn("plan trigger", zap.String("trigger", t.Name), zap.Error(err))
		return
	}
	published := 0
	for _, task := range tasks {
		if err := Publish(ctx, p.Broker, task, 0); err != nil {
			p.Log.Warn("publish periodic task", zap.String("trigger", t.Name), zap.Error(err))
			continue
		}
		published++
	}
	p.Log.Debug("trigger fired", zap.String("trigger", t.Name), zap.Int("tasks", published))
}
