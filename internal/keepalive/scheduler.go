package keepalive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tokfresh/internal/schedule"
	logx "tokfresh/pkg/logx"
)

// LocalSpec renders the active slots of s as a cron expression in the
// schedule's own timezone. Unlike the UTC spec uploaded to the Worker it keeps
// the same wall-clock times across DST switches when run with WithLocation.
func LocalSpec(s schedule.Schedule) string {
	active := s.Active()
	hs := make([]string, len(active))
	for i, t := range active {
		hs[i] = strconv.Itoa(t.Hour)
	}
	return fmt.Sprintf("%d %s * * *", active[0].Minute, strings.Join(hs, ","))
}

// Scheduler fires a Runner on a cron spec evaluated in one location. A firing
// that arrives while the previous run is still in flight is skipped.
type Scheduler struct {
	runner  *Runner
	spec    string
	loc     *time.Location
	timeout time.Duration
	log     logx.Logger
	parser  cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	busy   atomic.Bool
	wg     sync.WaitGroup
}

func NewScheduler(runner *Runner, spec string, loc *time.Location, timeout time.Duration, log logx.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("keepalive: runner is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		runner:  runner,
		spec:    strings.TrimSpace(spec),
		loc:     loc,
		timeout: timeout,
		log:     log.With(logx.String("comp", "keepalive.scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if _, err := s.parser.Parse(s.spec); err != nil {
		return nil, fmt.Errorf("keepalive: parse %q: %w", s.spec, err)
	}
	return s, nil
}

// Start registers the job and starts triggering. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.spec, s.fire); err != nil {
		s.cancel()
		return fmt.Errorf("keepalive: register %q: %w", s.spec, err)
	}
	s.c = c
	c.Start()

	args := []logx.Field{logx.String("spec", s.spec), logx.String("tz", s.loc.String())}
	if next := s.Next(1); len(next) == 1 {
		args = append(args, logx.Time("next", next[0]))
	}
	s.log.Info("scheduler started", args...)
	return nil
}

// Stop stops triggering and waits for an in-flight run until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.ctx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// abandon the in-flight run
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Next previews the next n firings in the scheduler's location.
func (s *Scheduler) Next(n int) []time.Time {
	sched, err := s.parser.Parse(s.spec)
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := time.Now().In(s.loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func (s *Scheduler) fire() {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Warn("previous run still in flight; skipping")
		return
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	parent := s.ctx
	if parent == nil || parent.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	s.runner.Run(ctx)
}
