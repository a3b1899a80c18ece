package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/relayd/internal/metrics"
)

// FireFunc is invoked when a workflow's schedule fires.
type FireFunc func(workflowID string)

// Scheduler runs one sleep-until-next-fire loop per workflow id.
// Grounded on the Option-pattern constructor and now-func clock override
// idiom shared across this module's components.
type Scheduler struct {
	logger *slog.Logger
	fire   FireFunc
	now    func() time.Time
	loc    *time.Location
	sleep  func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics recorder. Optional; nil disables recording.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Scheduler) updateLoopGauge() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	n := len(s.cancels)
	s.mu.Unlock()
	s.metrics.CronLoopsActive.Set(float64(n))
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation pins the timezone schedules are evaluated in. Defaults to
// time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithSleeper overrides how the loop waits for its next fire time. Returns
// false if ctx was cancelled before the wait elapsed. Tests use this to
// avoid waiting on real wall-clock time.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New constructs a Scheduler. fire is invoked (on its own goroutine, one
// per workflow id) every time that workflow's schedule matches.
func New(fire FireFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:  logger.With("component", "cron"),
		fire:    fire,
		now:     time.Now,
		loc:     time.Local,
		sleep:   defaultSleep,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule compiles expr and (re)starts the scheduling loop for
// workflowID, cancelling and replacing any prior loop for the same id.
func (s *Scheduler) Schedule(workflowID, expr string) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	s.startLoop(workflowID, sched)
	return nil
}

// ScheduleAll replaces the full set of scheduled workflows: every
// currently running loop is cancelled, then one loop per entry in specs is
// started.
func (s *Scheduler) ScheduleAll(specs map[string]string) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.cancels))
	for id := range s.cancels {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}

	for workflowID, expr := range specs {
		if err := s.Schedule(workflowID, expr); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops the scheduling loop for workflowID, if one is running.
func (s *Scheduler) Cancel(workflowID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[workflowID]
	if ok {
		delete(s.cancels, workflowID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
		s.updateLoopGauge()
	}
}

// Stop cancels every running loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.cancels))
	for id := range s.cancels {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}
	s.wg.Wait()
}

func (s *Scheduler) startLoop(workflowID string, sched Schedule) {
	s.Cancel(workflowID)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[workflowID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(ctx, workflowID, sched)
	s.updateLoopGauge()
}

func (s *Scheduler) runLoop(ctx context.Context, workflowID string, sched Schedule) {
	defer s.wg.Done()

	for {
		next, ok := sched.NextFireDate(s.now().In(s.loc))
		if !ok {
			s.logger.Warn("schedule has no fire time within the scan horizon, stopping loop",
				"workflowId", workflowID, "expr", sched.String())
			return
		}

		if !s.sleep(ctx, time.Until(next)) {
			return
		}

		if s.fire != nil {
			s.fire(workflowID)
		}
	}
}

// defaultSleep waits on a real timer, returning false if ctx is cancelled
// first.
func defaultSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
