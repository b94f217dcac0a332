// Package trigger implements spec §4.I: the three trigger stimuli (cron,
// webhook, event) that enqueue a run on the manager. The cron sub-component
// wraps robfig/cron the way the pack's own trigger scheduler does.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/riftlabs/flowengine/internal/domain"
)

// FireFunc is invoked when a trigger fires; it returns the run id enqueued
// (for logging) or an error.
type FireFunc func(ctx context.Context, payload map[string]any) (runID string, err error)

// CronConfig describes a single scheduled trigger.
type CronConfig struct {
	ID            string
	Schedule      string // standard 5-field cron expression
	WorkflowID    string
	Enabled       bool
	MaxConcurrent int // 0 = unbounded
	Payload       map[string]any
}

// CronScheduler owns a robfig/cron instance and skips an overlapping fire
// when a config's MaxConcurrent in-flight count is already saturated.
type CronScheduler struct {
	c  *cron.Cron
	mu sync.Mutex

	inFlight map[string]int
	entries  map[string]cron.EntryID
	configs  map[string]CronConfig

	onFire FireFunc
}

// NewCronScheduler builds a scheduler; onFire is called for every due
// trigger whose Enabled flag is true and whose MaxConcurrent budget isn't
// exhausted.
func NewCronScheduler(onFire FireFunc) *CronScheduler {
	return &CronScheduler{
		c:        cron.New(),
		inFlight: map[string]int{},
		entries:  map[string]cron.EntryID{},
		configs:  map[string]CronConfig{},
		onFire:   onFire,
	}
}

// Start begins dispatching scheduled triggers in the background.
func (s *CronScheduler) Start() { s.c.Start() }

// Stop halts the scheduler, waiting for any in-flight cron job to return.
func (s *CronScheduler) Stop() context.Context { return s.c.Stop() }

// Register adds or replaces a cron trigger config.
func (s *CronScheduler) Register(cfg CronConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[cfg.ID]; ok {
		s.c.Remove(id)
		delete(s.entries, cfg.ID)
	}
	s.configs[cfg.ID] = cfg

	entryID, err := s.c.AddFunc(cfg.Schedule, func() { s.fire(cfg.ID) })
	if err != nil {
		return domain.NewDomainError(domain.ErrCodeInvalidInput, "invalid cron schedule: "+cfg.Schedule, err)
	}
	s.entries[cfg.ID] = entryID
	return nil
}

// Unregister removes a cron trigger.
func (s *CronScheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.c.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.configs, id)
}

func (s *CronScheduler) fire(id string) {
	s.mu.Lock()
	cfg, ok := s.configs[id]
	if !ok || !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if cfg.MaxConcurrent > 0 && s.inFlight[id] >= cfg.MaxConcurrent {
		s.mu.Unlock()
		return
	}
	s.inFlight[id]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight[id]--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if s.onFire != nil {
		_, _ = s.onFire(ctx, cfg.Payload)
	}
}
