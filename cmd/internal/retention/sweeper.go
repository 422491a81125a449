// Package retention purges chat messages older than a fixed window on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultWindow     = 72 * time.Hour
	DefaultSchedule   = "@daily"
	defaultRunTimeout = 5 * time.Minute
)

// Purger deletes messages strictly older than cutoff and reports how many were removed.
type Purger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper runs Purger.DeleteOlderThan with cutoff = now - window on a schedule.
//
// A failed run is logged and counted; the next scheduled run proceeds normally.
// Runs never overlap: a run still in progress when the next one fires causes that firing to be skipped.
type Sweeper struct {
	store   Purger
	log     *slog.Logger
	metrics *Metrics

	window     time.Duration
	schedule   string
	runTimeout time.Duration
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithWindow sets the retention window (default 72h). Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithSchedule sets the cron spec (default "@daily"). Descriptors and 5-field specs are accepted.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithRunTimeout bounds a single run (default 5m).
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// New constructs a Sweeper. It does not start scheduling; see Start and Run.
func New(store Purger, log *slog.Logger, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("retention: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Sweeper{
		store:      store,
		log:        log,
		window:     DefaultWindow,
		schedule:   DefaultSchedule,
		runTimeout: defaultRunTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return nil, fmt.Errorf("retention: invalid schedule %q: %w", s.schedule, err)
	}
	return s, nil
}

// Window returns the configured retention window.
func (s *Sweeper) Window() time.Duration { return s.window }

// RunOnce performs a single sweep and returns the number of deleted messages.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := s.now().UTC()
	cutoff := start.Add(-s.window)

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	n, err := s.store.DeleteOlderThan(runCtx, cutoff)
	if err != nil {
		s.metrics.run(false, 0)
		s.log.Error("retention.sweep.fail", "cutoff", cutoff, "err", err)
		return 0, fmt.Errorf("retention sweep: %w", err)
	}

	s.metrics.run(true, n)
	s.log.Info("retention.sweep.done",
		"cutoff", cutoff,
		"deleted", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}

// Start registers the sweep on the cron schedule and starts the scheduler.
// Runs use ctx as their parent; cancelling it aborts an in-flight run.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("retention: already started")
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("retention: schedule: %w", err)
	}

	c.Start()
	s.cron = c
	s.log.Info("retention.start", "schedule", s.schedule, "window", s.window.String())
	return nil
}

// Stop halts scheduling and waits for an in-flight run, or for ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.log.Info("retention.stop")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the sweeper and blocks until ctx is cancelled, then stops it.
// It fits an errgroup bound to process lifetime.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("retention.cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("retention.cron."+msg, append(keysAndValues, "err", err)...)
}
