// Package cron runs named maintenance jobs on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@daily"
// and "@every 24h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one scheduled function. RunOnStart also fires it once when the
// scheduler starts.
type Job struct {
	Name       string
	Spec       string
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
}

// Scheduler owns a robfig cron instance. Overlapping runs of the same job
// are skipped.
type Scheduler struct {
	logger *slog.Logger
	cron   *cronlib.Cron

	mu     sync.Mutex
	jobs   map[string]Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		logger: logger,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		jobs: make(map[string]Job),
		ctx:  context.Background(),
	}
}

// Add registers job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron: job needs a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("cron: duplicate job %q", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("cron: job %q spec %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start begins firing jobs. It respects ctx for job cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	var startup []Job
	for _, j := range s.jobs {
		if j.RunOnStart {
			startup = append(startup, j)
		}
	}
	s.mu.Unlock()

	for _, j := range startup {
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.run(j)
		}(j)
	}
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunNow fires the named job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	return s.exec(job)
}

// Next returns the next fire time of the named job, zero when unscheduled.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	next, err := NextRunTime(job.Spec, time.Now())
	if err != nil {
		return time.Time{}
	}
	return next
}

func (s *Scheduler) run(job Job) {
	_ = s.exec(job)
}

func (s *Scheduler) exec(job Job) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		s.logger.Error("cron: job failed", "job", job.Name, "error", err)
		return err
	}
	s.logger.Debug("cron: job finished", "job", job.Name, "duration", time.Since(start))
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger adapts slog to the robfig logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
