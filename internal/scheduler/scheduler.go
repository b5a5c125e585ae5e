// Package scheduler runs active integrations on their configured frequency.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"syncbridge/internal/domain"
	"syncbridge/internal/engine"
)

type Runner interface {
	SyncIntegration(ctx context.Context, integrationID, trigger string) (engine.RunResult, error)
}

type Lister interface {
	ListIntegrations(ctx context.Context, status string) ([]domain.Integration, error)
}

// Entry describes one scheduled integration.
type Entry struct {
	IntegrationID string    `json:"integration_id"`
	Frequency     string    `json:"sync_frequency"`
	Expression    string    `json:"cron"`
	// NextRun is zero until the scheduler is started.
	NextRun time.Time `json:"next_run"`
}

// CronExpression maps a sync frequency to a five-field cron expression.
// realtime and manual integrations are never scheduled; unknown values fall
// back to hourly.
func CronExpression(frequency string) (string, bool) {
	switch frequency {
	case domain.FrequencyRealtime, domain.FrequencyManual:
		return "", false
	case domain.FrequencyMinutes5:
		return "*/5 * * * *", true
	case domain.FrequencyMinutes15:
		return "*/15 * * * *", true
	case domain.FrequencyHourly:
		return "0 * * * *", true
	case domain.FrequencyDaily:
		return "0 0 * * *", true
	default:
		return "0 * * * *", true
	}
}

type Scheduler struct {
	log    logr.Logger
	runner Runner
	cron   *gocron.Scheduler

	mu      sync.Mutex
	entries map[string]Entry
}

func New(log logr.Logger, runner Runner) *Scheduler {
	return &Scheduler{log: log, runner: runner, cron: gocron.NewScheduler(time.UTC), entries: map[string]Entry{}}
}

func (s *Scheduler) Start() {
	s.log.Info("starting scheduler", "jobs", len(s.Entries()))
	s.cron.StartAsync()
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info("scheduler stopped")
}

// Schedule (re)registers an integration. Integrations that are not active or
// whose frequency has no cron mapping are removed from the schedule instead.
func (s *Scheduler) Schedule(it domain.Integration) error {
	s.Unschedule(it.ID)
	if it.Status != domain.StatusActive {
		return nil
	}
	expr, ok := CronExpression(it.SyncFrequency)
	if !ok {
		return nil
	}
	id := it.ID
	_, err := s.cron.Cron(expr).Tag(id).SingletonMode().Do(func() {
		if _, err := s.runner.SyncIntegration(context.Background(), id, domain.TriggerSchedule); err != nil {
			s.log.Error(err, "scheduled sync failed", "integration", id)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	s.mu.Lock()
	s.entries[id] = Entry{IntegrationID: id, Frequency: it.SyncFrequency, Expression: expr}
	s.mu.Unlock()
	s.log.V(1).Info("scheduled integration", "integration", id, "cron", expr)
	return nil
}

func (s *Scheduler) Unschedule(integrationID string) {
	s.mu.Lock()
	delete(s.entries, integrationID)
	s.mu.Unlock()
	if err := s.cron.RemoveByTag(integrationID); err != nil && !errors.Is(err, gocron.ErrJobNotFoundWithTag) {
		s.log.Error(err, "unschedule", "integration", integrationID)
	}
}

// Reload replaces the whole schedule with the currently active integrations.
func (s *Scheduler) Reload(ctx context.Context, store Lister) error {
	its, err := store.ListIntegrations(ctx, domain.StatusActive)
	if err != nil {
		return fmt.Errorf("list active integrations: %w", err)
	}
	s.cron.Clear()
	s.mu.Lock()
	s.entries = map[string]Entry{}
	s.mu.Unlock()
	var errs error
	for _, it := range its {
		errs = multierr.Append(errs, s.Schedule(it))
	}
	s.log.Info("schedule loaded", "integrations", len(its), "jobs", len(s.Entries()))
	return errs
}

// RunNow fires an integration's scheduled job immediately.
func (s *Scheduler) RunNow(integrationID string) error {
	return s.cron.RunByTag(integrationID)
}

// Entries lists scheduled integrations ordered by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if jobs, err := s.cron.FindJobsByTag(e.IntegrationID); err == nil && len(jobs) > 0 {
			e.NextRun = jobs[0].NextRun()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntegrationID < out[j].IntegrationID })
	return out
}
