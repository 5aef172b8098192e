package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
)

// Outbox is the undelivered side of the alert event log.
type Outbox interface {
	ListUndelivered(ctx context.Context, limit int) ([]*models.AlertEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// DispatcherConfig bounds how fast events leave the outbox.
type DispatcherConfig struct {
	BatchSize     int
	RatePerSecond float64
	Burst         int
}

// Dispatcher drains the alert outbox into a Publisher. Delivery is at least
// once: an event published but not marked is sent again by the next sweep.
type Dispatcher struct {
	outbox    Outbox
	publisher Publisher
	limiter   *rate.Limiter
	batchSize int
	sweeping  *semaphore.Weighted
	kick      chan struct{}
	logger    *slog.Logger
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(outbox Outbox, publisher Publisher, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Dispatcher{
		outbox:    outbox,
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		batchSize: cfg.BatchSize,
		sweeping:  semaphore.NewWeighted(1),
		kick:      make(chan struct{}, 1),
		logger:    logger.With(slog.String("component", "alert_dispatcher")),
	}
}

// Kick asks Run for a sweep without waiting. Safe to call from any goroutine.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run sweeps whenever Kick is called until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("alert sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep publishes one batch of undelivered events and returns how many were
// delivered. A sweep already in progress makes this call a no-op. The batch
// stops at the first publish failure so events keep their firing order.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	if !d.sweeping.TryAcquire(1) {
		return 0, nil
	}
	defer d.sweeping.Release(1)

	events, err := d.outbox.ListUndelivered(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list undelivered alerts: %w", err)
	}

	delivered := 0
	for _, event := range events {
		if err := d.limiter.Wait(ctx); err != nil {
			return delivered, err
		}

		if err := d.publisher.Publish(ctx, event); err != nil {
			metrics.AlertsDelivered.WithLabelValues("failed").Inc()
			return delivered, fmt.Errorf("failed to publish alert %s: %w", event.ID, err)
		}

		if err := d.outbox.MarkDelivered(ctx, event.ID, time.Now().UTC()); err != nil {
			// Published already; the next sweep resends and consumers dedup by id.
			d.logger.Warn("failed to mark alert delivered",
				slog.String("alert_id", event.ID),
				slog.String("error", err.Error()),
			)
			metrics.AlertsDelivered.WithLabelValues("unmarked").Inc()
			continue
		}

		metrics.AlertsDelivered.WithLabelValues("delivered").Inc()
		delivered++
	}

	if delivered > 0 {
		d.logger.Debug("alerts delivered", slog.Int("count", delivered))
	}
	return delivered, nil
}
