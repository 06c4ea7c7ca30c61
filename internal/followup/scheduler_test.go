package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/observability/metrics"
	"github.com/gulfbridge/crm-automation/internal/tasks"
)

type fakeTaskStore struct {
	byKey   map[string]*tasks.Task
	failKey string
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{byKey: make(map[string]*tasks.Task)}
}

func (f *fakeTaskStore) CreateIdempotent(_ context.Context, task *tasks.Task) (bool, error) {
	if task.IdempotencyKey == "" {
		return false, errors.New("idempotency key required")
	}
	if f.failKey != "" && task.IdempotencyKey == f.failKey {
		return false, errors.New("store unavailable")
	}
	if _, ok := f.byKey[task.IdempotencyKey]; ok {
		return false, nil
	}
	f.byKey[task.IdempotencyKey] = task
	return true, nil
}

type fakeLeadRepo struct {
	lead *leads.Lead
	err  error
}

func (f *fakeLeadRepo) GetByID(_ context.Context, _ uuid.UUID) (*leads.Lead, error) {
	return f.lead, f.err
}

func activeLead(id uuid.UUID) *leads.Lead {
	return &leads.Lead{ID: id, Name: "Hamdan Trading", Stage: leads.StageProposalSent}
}

func TestScheduleCreatesFullCadenceOnce(t *testing.T) {
	leadID := uuid.New()
	eventID := uuid.New()
	store := newFakeTaskStore()
	s := NewScheduler(store, &fakeLeadRepo{lead: activeLead(leadID)}, nil)

	quotedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	created, skipped, err := s.Schedule(context.Background(), leadID, eventID, quotedAt)
	require.NoError(t, err)
	assert.Equal(t, 5, created)
	assert.Equal(t, 0, skipped)

	created, skipped, err = s.Schedule(context.Background(), leadID, eventID, quotedAt)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 5, skipped)

	assert.Len(t, store.byKey, 5)
}

func TestScheduleTaskShape(t *testing.T) {
	leadID := uuid.New()
	eventID := uuid.New()
	store := newFakeTaskStore()
	s := NewScheduler(store, &fakeLeadRepo{lead: activeLead(leadID)}, nil)

	quotedAt := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	_, _, err := s.Schedule(context.Background(), leadID, eventID, quotedAt)
	require.NoError(t, err)

	key := fmt.Sprintf("quote_followup:%s:%s:3", leadID, eventID)
	task, ok := store.byKey[key]
	require.True(t, ok, "D+3 task missing, keys: %v", store.byKey)
	assert.Equal(t, "Quote follow-up D+3", task.Title)
	assert.Equal(t, tasks.TypeQuoteFollowUp, task.Type)
	assert.Equal(t, leadID, task.LeadID)
	assert.Equal(t, quotedAt.AddDate(0, 0, 3), task.DueAt)
}

func TestSchedulePriorityDecay(t *testing.T) {
	leadID := uuid.New()
	store := newFakeTaskStore()
	s := NewScheduler(store, &fakeLeadRepo{lead: activeLead(leadID)}, nil)

	_, _, err := s.Schedule(context.Background(), leadID, uuid.Nil, time.Now().UTC())
	require.NoError(t, err)

	want := map[int]leads.Priority{
		3:  leads.PriorityHigh,
		5:  leads.PriorityNormal,
		7:  leads.PriorityLow,
		9:  leads.PriorityLow,
		12: leads.PriorityLow,
	}
	for days, priority := range want {
		key := fmt.Sprintf("quote_followup:%s:none:%d", leadID, days)
		task, ok := store.byKey[key]
		require.True(t, ok, "missing D+%d", days)
		assert.Equal(t, priority, task.Priority, "D+%d", days)
	}
}

func TestScheduleFixedDueHour(t *testing.T) {
	leadID := uuid.New()
	store := newFakeTaskStore()
	s := NewScheduler(store, &fakeLeadRepo{lead: activeLead(leadID)}, nil, WithDueHour(7))

	quotedAt := time.Date(2026, 3, 10, 15, 45, 0, 0, time.UTC)
	_, _, err := s.Schedule(context.Background(), leadID, uuid.Nil, quotedAt)
	require.NoError(t, err)

	key := fmt.Sprintf("quote_followup:%s:none:5", leadID)
	task, ok := store.byKey[key]
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 15, 7, 0, 0, 0, time.UTC), task.DueAt)
}

func TestScheduleGuardsAreCompleteNoOps(t *testing.T) {
	leadID := uuid.New()

	cases := []struct {
		name string
		lead *leads.Lead
	}{
		{"won", &leads.Lead{ID: leadID, Stage: leads.StageCompletedWon}},
		{"lost", &leads.Lead{ID: leadID, Stage: leads.StageLost}},
		{"soft deleted", &leads.Lead{ID: leadID, Stage: leads.StageQualified, Deleted: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeTaskStore()
			s := NewScheduler(store, &fakeLeadRepo{lead: tc.lead}, nil)

			created, skipped, err := s.Schedule(context.Background(), leadID, uuid.New(), time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, 0, created)
			assert.Equal(t, 5, skipped)
			assert.Empty(t, store.byKey)
		})
	}
}

func TestScheduleLeadLookupFailure(t *testing.T) {
	s := NewScheduler(newFakeTaskStore(), &fakeLeadRepo{err: leads.ErrLeadNotFound}, nil)

	created, skipped, err := s.Schedule(context.Background(), uuid.New(), uuid.Nil, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, leads.ErrLeadNotFound)
	assert.Equal(t, 0, created)
	assert.Equal(t, 0, skipped)
}

func TestScheduleObservesOutcomes(t *testing.T) {
	leadID := uuid.New()
	eventID := uuid.New()
	reg := prometheus.NewRegistry()
	m := metrics.NewAutomationMetrics(reg)
	store := newFakeTaskStore()
	s := NewScheduler(store, &fakeLeadRepo{lead: activeLead(leadID)}, nil, WithMetrics(m))

	quotedAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	_, _, err := s.Schedule(context.Background(), leadID, eventID, quotedAt)
	require.NoError(t, err)
	_, _, err = s.Schedule(context.Background(), leadID, eventID, quotedAt)
	require.NoError(t, err)

	expected := strings.NewReader(`
# HELP gulfbridge_automation_followup_tasks_total Follow-up cadence tasks by outcome
# TYPE gulfbridge_automation_followup_tasks_total counter
gulfbridge_automation_followup_tasks_total{outcome="created"} 5
gulfbridge_automation_followup_tasks_total{outcome="skipped"} 5
`)
	require.NoError(t, testutil.GatherAndCompare(reg, expected, "gulfbridge_automation_followup_tasks_total"))
}

func TestScheduleStoreFailureReportsPartialProgress(t *testing.T) {
	leadID := uuid.New()
	store := newFakeTaskStore()
	store.failKey = fmt.Sprintf("quote_followup:%s:none:7", leadID)
	s := NewScheduler(store, &fakeLeadRepo{lead: activeLead(leadID)}, nil)

	created, skipped, err := s.Schedule(context.Background(), leadID, uuid.Nil, time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, skipped)
}
