package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/domain"
	"syncbridge/internal/engine"
	"syncbridge/internal/scheduler"
)

type fakeRunner struct{ calls chan string }

func (f fakeRunner) SyncIntegration(_ context.Context, id, trigger string) (engine.RunResult, error) {
	f.calls <- id + ":" + trigger
	return engine.RunResult{IntegrationID: id}, nil
}

type fakeLister []domain.Integration

func (f fakeLister) ListIntegrations(_ context.Context, status string) ([]domain.Integration, error) {
	var out []domain.Integration
	for _, it := range f {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	return out, nil
}

func TestCronExpression(t *testing.T) {
	cases := map[string]string{
		domain.FrequencyMinutes5:  "*/5 * * * *",
		domain.FrequencyMinutes15: "*/15 * * * *",
		domain.FrequencyHourly:    "0 * * * *",
		domain.FrequencyDaily:     "0 0 * * *",
		"weekly":                  "0 * * * *",
	}
	for freq, want := range cases {
		got, ok := scheduler.CronExpression(freq)
		assert.True(t, ok, freq)
		assert.Equal(t, want, got, freq)
	}
	for _, freq := range []string{domain.FrequencyRealtime, domain.FrequencyManual} {
		_, ok := scheduler.CronExpression(freq)
		assert.False(t, ok, freq)
	}
}

func integration(id, status, freq string) domain.Integration {
	return domain.Integration{ID: id, Status: status, SyncFrequency: freq, SyncDirection: domain.DirectionSourceToTarget}
}

func TestScheduleOnlyActiveAndSchedulable(t *testing.T) {
	s := scheduler.New(testr.New(t), fakeRunner{calls: make(chan string, 1)})
	require.NoError(t, s.Schedule(integration("a", domain.StatusActive, domain.FrequencyDaily)))
	require.NoError(t, s.Schedule(integration("b", domain.StatusPaused, domain.FrequencyDaily)))
	require.NoError(t, s.Schedule(integration("c", domain.StatusActive, domain.FrequencyManual)))
	require.NoError(t, s.Schedule(integration("d", domain.StatusActive, domain.FrequencyRealtime)))

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].IntegrationID)
	assert.Equal(t, "0 0 * * *", entries[0].Expression)

	// rescheduling replaces the job
	require.NoError(t, s.Schedule(integration("a", domain.StatusActive, domain.FrequencyMinutes5)))
	entries = s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "*/5 * * * *", entries[0].Expression)

	// pausing removes it
	require.NoError(t, s.Schedule(integration("a", domain.StatusPaused, domain.FrequencyMinutes5)))
	assert.Empty(t, s.Entries())
}

func TestReload(t *testing.T) {
	s := scheduler.New(testr.New(t), fakeRunner{calls: make(chan string, 1)})
	require.NoError(t, s.Schedule(integration("stale", domain.StatusActive, domain.FrequencyHourly)))

	store := fakeLister{
		integration("x", domain.StatusActive, domain.FrequencyHourly),
		integration("y", domain.StatusDraft, domain.FrequencyHourly),
		integration("z", domain.StatusActive, domain.FrequencyMinutes15),
	}
	require.NoError(t, s.Reload(context.Background(), store))

	var ids []string
	for _, e := range s.Entries() {
		ids = append(ids, e.IntegrationID)
	}
	assert.Equal(t, []string{"x", "z"}, ids)
}

func TestRunNowUsesScheduleTrigger(t *testing.T) {
	calls := make(chan string, 1)
	s := scheduler.New(testr.New(t), fakeRunner{calls: calls})
	require.NoError(t, s.Schedule(integration("a", domain.StatusActive, domain.FrequencyDaily)))
	s.Start()
	defer s.Stop()

	require.NoError(t, s.RunNow("a"))
	select {
	case got := <-calls:
		assert.Equal(t, "a:"+domain.TriggerSchedule, got)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled job did not run")
	}
	assert.False(t, s.Entries()[0].NextRun.IsZero())
}
