// Package scheduler runs the orchestrator on a fixed interval,
// generalized from internal/scheduler/scheduler.go's job-status
// bookkeeping onto a single recurring ETL trigger. The mutual-exclusion
// guard itself lives in orchestrator.Orchestrator; a tick that lands
// while a run is in progress is a no-op (ErrAlreadyRunning is logged,
// not treated as a scheduler failure).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptoetl/internal/orchestrator"
)

// Status reports the scheduler's current state.
type Status struct {
	Running bool
	LastRun time.Time
	NextRun time.Time
}

// Scheduler ticks orchestrator.Run on a fixed interval until stopped.
type Scheduler struct {
	interval     time.Duration
	orchestrator *orchestrator.Orchestrator

	mu      sync.RWMutex
	running bool
	lastRun time.Time
	nextRun time.Time

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler. It does not start ticking until Start is
// called.
func New(interval time.Duration, o *orchestrator.Orchestrator) *Scheduler {
	return &Scheduler{
		interval:     interval,
		orchestrator: o,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins ticking in the background. Call Stop to terminate.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.nextRun = time.Now().Add(s.interval)
	s.mu.Unlock()

	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setRunning(false)
			return
		case <-s.stop:
			s.setRunning(false)
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.nextRun = s.lastRun.Add(s.interval)
	s.mu.Unlock()

	_, err := s.orchestrator.Run(ctx)
	if err == orchestrator.ErrAlreadyRunning {
		log.Warn().Msg("scheduler tick skipped: run already in progress")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("scheduled run failed")
	}
}

// Stop halts the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// GetStatus returns the scheduler's current state.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Running: s.running, LastRun: s.lastRun, NextRun: s.nextRun}
}
