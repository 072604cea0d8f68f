/*
scheduler.go - Ticker-driven background execution of the periodic jobs

PURPOSE:
  Runs each registered job on its own interval in one background goroutine
  per job. A panicking job run is contained and logged; the schedule keeps
  going.

USAGE:
  s := jobs.NewScheduler(logger)
  s.Register(expireJob, 5*time.Minute)
  s.Register(reconcileJob, time.Hour)
  s.Start()
  defer s.Stop()
*/
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs jobs on fixed intervals until stopped.
type Scheduler struct {
	log zerolog.Logger

	mu      sync.Mutex
	entries []entry
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

type entry struct {
	job      Job
	interval time.Duration
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:  log.With().Str("component", "scheduler").Logger(),
		stop: make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Start launches one goroutine per registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(e)
		s.log.Info().Str("job", e.job.Name()).Dur("interval", e.interval).Msg("job scheduled")
	}
}

// Stop halts all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(e entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOne(e.job)
		}
	}
}

func (s *Scheduler) runOne(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job", job.Name()).Interface("panic", r).Msg("job run panicked")
		}
	}()
	if err := job.Run(context.Background()); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("job run failed")
	}
}
