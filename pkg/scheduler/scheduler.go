// Package scheduler runs consolidation periodically and triggers heavier
// maintenance when feedback volume spikes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lexlapax/engram/pkg/engine"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Consolidator is the part of the engine the scheduler drives.
type Consolidator interface {
	Consolidate(ctx context.Context) (engine.Report, error)
	FeedbackSince(ctx context.Context, since time.Time) (int64, error)
}

// Hooks receive maintenance events. Hook errors fail the cycle like any
// other error.
type Hooks interface {
	AfterConsolidate(ctx context.Context, report engine.Report) error
	OnFeedbackThreshold(ctx context.Context, count int64) error
}

// Config contains configuration options for the scheduler.
type Config struct {
	// Interval between successful cycles
	Interval time.Duration `yaml:"interval"`

	// Backoff before retrying after a failed cycle
	Backoff time.Duration `yaml:"backoff"`

	// FeedbackWindow is how far back feedback is counted
	FeedbackWindow time.Duration `yaml:"feedback_window"`

	// FeedbackThreshold triggers maintenance when more events than this arrived
	FeedbackThreshold int64 `yaml:"feedback_threshold"`

	// RunOnStart runs a cycle immediately instead of after the first interval
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig returns the default configuration for the scheduler.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Hour,
		Backoff:           time.Minute,
		FeedbackWindow:    24 * time.Hour,
		FeedbackThreshold: 10,
	}
}

// Scheduler is a cancellable periodic consolidation task. It holds no
// memory state of its own.
type Scheduler struct {
	consolidator Consolidator
	hooks        Hooks
	config       Config
	now          func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHooks installs maintenance hooks.
func WithHooks(hooks Hooks) Option {
	return func(s *Scheduler) {
		s.hooks = hooks
	}
}

// WithClock replaces the wall clock used for the feedback window.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler. Zero durations fall back to the defaults.
func New(consolidator Consolidator, config Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Backoff <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.FeedbackWindow <= 0 {
		config.FeedbackWindow = defaults.FeedbackWindow
	}

	s := &Scheduler{
		consolidator: consolidator,
		config:       config,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop in a goroutine. It stops when ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	log.InfoContext(ctx, "Consolidation scheduler started",
		"interval", s.config.Interval,
		"backoff", s.config.Backoff,
		"feedback_threshold", s.config.FeedbackThreshold,
	)

	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("Consolidation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := s.config.Interval
	if s.config.RunOnStart {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait = s.config.Interval
		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "Consolidation cycle failed, backing off",
				"error", err,
				"backoff", s.config.Backoff,
			)
			wait = s.config.Backoff
		}
		timer.Reset(wait)
	}
}

// RunOnce runs a single cycle: consolidate, then count recent feedback and
// call the threshold hook when the count exceeds the threshold.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	report, err := s.consolidator.Consolidate(ctx)
	if err != nil {
		return errors.Wrap(err, "consolidation failed")
	}
	if s.hooks != nil {
		if err := s.hooks.AfterConsolidate(ctx, report); err != nil {
			return errors.Wrap(err, "after consolidation hook failed")
		}
	}

	count, err := s.consolidator.FeedbackSince(ctx, s.now().Add(-s.config.FeedbackWindow))
	if err != nil {
		return errors.Wrap(err, "failed to count recent feedback")
	}
	log.DebugContext(ctx, "Recent feedback counted", "count", count, "window", s.config.FeedbackWindow)

	if count > s.config.FeedbackThreshold {
		log.InfoContext(ctx, "Feedback threshold crossed, triggering maintenance",
			"count", count,
			"threshold", s.config.FeedbackThreshold,
		)
		if s.hooks != nil {
			if err := s.hooks.OnFeedbackThreshold(ctx, count); err != nil {
				return errors.Wrap(err, "feedback threshold hook failed")
			}
		}
	}
	return nil
}
