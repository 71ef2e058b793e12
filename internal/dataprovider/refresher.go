// Package dataprovider keeps the shared list of live events up to date.
package dataprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/shared"
)

type Source interface {
	LiveEvents(ctx context.Context) ([]model.LiveEvent, error)
}

type Refresher struct {
	src      Source
	shared   *shared.Context
	bus      *logbus.Bus
	interval time.Duration
}

func New(src Source, sc *shared.Context, bus *logbus.Bus, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{src: src, shared: sc, bus: bus, interval: interval}
}

// RefreshOnce fetches the live events and publishes them. On error the
// previous snapshot stays in place.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	events, err := r.src.LiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("fetch live events: %w", err)
	}
	r.shared.Store(events, time.Now())
	r.log(ctx, "debug", "live events refreshed", map[string]any{"count": len(events)})
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	s, err := r.newScheduler(ctx)
	if err != nil {
		return err
	}
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("stopping refresh scheduler: %w", err)
	}
	return nil
}

func (r *Refresher) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if err := r.RefreshOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log(ctx, "warn", "live events refresh failed", map[string]any{"error": err.Error()})
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "refresh job scheduled", "interval", r.interval.String())
	return s, nil
}

func (r *Refresher) log(ctx context.Context, level, msg string, fields map[string]any) {
	if r.bus != nil {
		r.bus.LogContext(ctx, level, msg, fields)
	}
}
