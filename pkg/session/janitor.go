package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultCleanupAge is the retention window for terminal sessions.
	DefaultCleanupAge = 7 * 24 * time.Hour

	// DefaultCleanupSpec runs the janitor daily at 03:00.
	DefaultCleanupSpec = "0 3 * * *"
)

// Janitor periodically reclaims old terminal sessions on a cron schedule.
// The store itself stays synchronous; this is the one optional background
// actor, for consumers without an external scheduler.
type Janitor struct {
	manager  *Manager
	schedule cron.Schedule
	maxAge   time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewJanitor creates a janitor for manager. spec is a standard five-field
// cron expression; empty means DefaultCleanupSpec. maxAge zero means
// DefaultCleanupAge.
func NewJanitor(manager *Manager, spec string, maxAge time.Duration) (*Janitor, error) {
	if spec == "" {
		spec = DefaultCleanupSpec
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	if maxAge == 0 {
		maxAge = DefaultCleanupAge
	}

	return &Janitor{
		manager:  manager,
		schedule: schedule,
		maxAge:   maxAge,
	}, nil
}

// Start starts the janitor loop. A stopped janitor can be started again.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	j.stopCh = make(chan struct{})
	j.running = true
	go j.run(j.stopCh)

	log.Info().
		Dur("max_age", j.maxAge).
		Msg("Session janitor started")

	return nil
}

// Stop stops the janitor loop.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return fmt.Errorf("janitor is not running")
	}

	close(j.stopCh)
	j.running = false

	log.Info().Msg("Session janitor stopped")

	return nil
}

// IsRunning returns whether the janitor loop is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// CleanupNow runs one reclamation pass immediately.
func (j *Janitor) CleanupNow() (int, error) {
	return j.manager.Cleanup(j.maxAge)
}

func (j *Janitor) run(stopCh <-chan struct{}) {
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-timer.C:
			j.runOnce()
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

func (j *Janitor) runOnce() {
	runID := uuid.New().String()

	removed, err := j.manager.Cleanup(j.maxAge)
	if err != nil {
		log.Error().
			Str("run_id", runID).
			Err(err).
			Msg("Session cleanup run failed")
		return
	}

	log.Debug().
		Str("run_id", runID).
		Int("removed", removed).
		Msg("Session cleanup run finished")
}
