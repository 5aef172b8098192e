package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/cache"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/config"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/metrics"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/models"
	apierrors "github.com/Bahakirbasogluu/diyabet-app-backend/internal/pkg/errors"
	"github.com/Bahakirbasogluu/diyabet-app-backend/internal/repository"
)

// trendBand is the relative change between the two halves of a window that
// counts as a trend.
const trendBand = 0.05

// AnalyticsService defines the interface for the analytics aggregator.
type AnalyticsService interface {
	SnapshotInvalidator
	Summarize(ctx context.Context, userID string, window models.TimeRange, opts models.SummaryOptions) (*models.AnalyticsSnapshot, error)
	// Purge drops every cached snapshot of the user.
	Purge(ctx context.Context, userID string) error
}

type analyticsService struct {
	readingRepo repository.ReadingRepository
	consent     ConsentChecker
	cache       cache.SnapshotCache
	group       singleflight.Group
	cfg         config.AnalyticsConfig
	pageSize    int
	now         func() time.Time
	logger      *slog.Logger
}

// NewAnalyticsService creates a new analytics aggregator.
func NewAnalyticsService(
	readingRepo repository.ReadingRepository,
	consent ConsentChecker,
	snapshots cache.SnapshotCache,
	cfg config.AnalyticsConfig,
	pageSize int,
	logger *slog.Logger,
) AnalyticsService {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &analyticsService{
		readingRepo: readingRepo,
		consent:     consent,
		cache:       snapshots,
		cfg:         cfg,
		pageSize:    pageSize,
		now:         time.Now,
		logger:      logger,
	}
}

// Summarize returns a cached snapshot if it is fresh enough, otherwise
// recomputes it from the store.
func (s *analyticsService) Summarize(ctx context.Context, userID string, window models.TimeRange, opts models.SummaryOptions) (*models.AnalyticsSnapshot, error) {
	if err := s.consent.Require(ctx, userID); err != nil {
		return nil, err
	}
	if !window.Valid() {
		return nil, apierrors.NewValidationError("to", "window end must be after window start")
	}
	if s.cfg.MaxWindow > 0 && window.To.Sub(window.From) > s.cfg.MaxWindow {
		return nil, apierrors.NewValidationError("from", fmt.Sprintf("window must not exceed %s", s.cfg.MaxWindow))
	}
	metric := opts.Metric
	if metric == "" {
		metric = models.MetricGlucose
	}

	key := cache.Key{UserID: userID, Metric: metric, From: window.From.UTC(), To: window.To.UTC()}

	if !opts.Force {
		snap, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("snapshot cache read failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if snap != nil && s.now().Sub(snap.ComputedAt) <= s.cfg.StalenessTolerance {
			metrics.AnalyticsRequests.WithLabelValues("hit").Inc()
			snap.Stale = false
			return snap, nil
		}
		metrics.AnalyticsRequests.WithLabelValues("recompute").Inc()
	} else {
		metrics.AnalyticsRequests.WithLabelValues("forced").Inc()
	}

	flight := fmt.Sprintf("%s|%s|%d|%d", userID, metric, key.From.UnixNano(), key.To.UnixNano())
	v, err, _ := s.group.Do(flight, func() (any, error) {
		return s.recompute(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}

	snap := *v.(*models.AnalyticsSnapshot)
	snap.Stale = true
	return &snap, nil
}

// recompute reads effective readings and stores the result under the
// generation observed before the read.
func (s *analyticsService) recompute(ctx context.Context, key cache.Key) (*models.AnalyticsSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.AnalyticsRecomputeDuration.Observe(time.Since(start).Seconds())
	}()

	gen, err := s.cache.Generation(ctx, key.UserID)
	if err != nil {
		s.logger.Warn("snapshot generation read failed",
			slog.String("user_id", key.UserID),
			slog.String("error", err.Error()),
		)
		gen = -1
	}

	q := models.ReadingQuery{
		UserID:        key.UserID,
		Range:         models.TimeRange{From: key.From, To: key.To},
		Metric:        key.Metric,
		EffectiveOnly: true,
	}
	acc := newAccumulator(key.From)
	for r, err := range scanReadings(ctx, s.readingRepo, q, s.pageSize) {
		if err != nil {
			return nil, err
		}
		acc.add(r.Timestamp, r.Value)
	}

	snap := acc.snapshot(key.UserID, key.Metric, key.From, key.To)
	snap.ComputedAt = s.now().UTC()

	if gen >= 0 {
		if _, err := s.cache.Put(ctx, key, snap, gen); err != nil {
			s.logger.Warn("snapshot cache write failed",
				slog.String("user_id", key.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

// Invalidate drops cached windows that contain ts. Failures are logged; the
// cache TTL bounds how long a missed invalidation can be served.
func (s *analyticsService) Invalidate(ctx context.Context, userID string, metric models.Metric, ts time.Time) {
	if err := s.cache.Invalidate(ctx, userID, metric, ts); err != nil {
		s.logger.Warn("snapshot invalidation failed",
			slog.String("user_id", userID),
			slog.String("metric", string(metric)),
			slog.String("error", err.Error()),
		)
	}
}

// Purge drops all cached snapshots of a user.
func (s *analyticsService) Purge(ctx context.Context, userID string) error {
	if err := s.cache.Purge(ctx, userID); err != nil {
		return fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return nil
}

// accumulator computes window statistics in one pass over readings sorted
// by timestamp.
type accumulator struct {
	origin time.Time

	n      int
	meanX  float64 // hours since origin
	meanY  float64
	m2x    float64
	m2y    float64
	cxy    float64
	min    float64
	max    float64
	values []float64

	days   []models.DailyAverage
	dayOf  string
	daySum float64
}

func newAccumulator(origin time.Time) *accumulator {
	return &accumulator{origin: origin}
}

func (a *accumulator) add(ts time.Time, y float64) {
	x := ts.Sub(a.origin).Hours()

	a.n++
	n := float64(a.n)
	dx := x - a.meanX
	dy := y - a.meanY
	a.meanX += dx / n
	a.meanY += dy / n
	a.m2x += dx * (x - a.meanX)
	a.m2y += dy * (y - a.meanY)
	a.cxy += dx * (y - a.meanY)

	if a.n == 1 || y < a.min {
		a.min = y
	}
	if a.n == 1 || y > a.max {
		a.max = y
	}
	a.values = append(a.values, y)

	day := ts.UTC().Format(time.DateOnly)
	if day != a.dayOf {
		a.flushDay()
		a.dayOf = day
		a.days = append(a.days, models.DailyAverage{Date: day})
	}
	a.days[len(a.days)-1].Count++
	a.daySum += y
}

func (a *accumulator) flushDay() {
	if len(a.days) == 0 {
		return
	}
	last := &a.days[len(a.days)-1]
	last.Average = a.daySum / float64(last.Count)
	a.daySum = 0
}

func (a *accumulator) snapshot(userID string, metric models.Metric, from, to time.Time) *models.AnalyticsSnapshot {
	a.flushDay()
	snap := &models.AnalyticsSnapshot{
		UserID:      userID,
		Metric:      metric,
		WindowStart: from,
		WindowEnd:   to,
		Count:       a.n,
		Trend:       trendOf(a.values),
		Daily:       a.days,
	}
	if snap.Daily == nil {
		snap.Daily = []models.DailyAverage{}
	}
	if a.n == 0 {
		return snap
	}
	snap.Mean = a.meanY
	snap.StdDev = math.Sqrt(a.m2y / float64(a.n))
	snap.Min = a.min
	snap.Max = a.max
	if a.m2x > 0 {
		snap.TrendSlope = a.cxy / a.m2x
	}
	return snap
}

// trendOf compares the averages of the first and second half of the values.
func trendOf(values []float64) models.Trend {
	if len(values) < 2 {
		return models.TrendInsufficient
	}
	mid := len(values) / 2
	first := mean(values[:mid])
	second := mean(values[mid:])
	switch {
	case second > first*(1+trendBand):
		return models.TrendIncreasing
	case second < first*(1-trendBand):
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Compile-time check to ensure analyticsService implements AnalyticsService.
var _ AnalyticsService = (*analyticsService)(nil)
