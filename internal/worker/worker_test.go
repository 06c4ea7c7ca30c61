package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gulfbridge/crm-automation/internal/conversation"
	"github.com/gulfbridge/crm-automation/internal/events"
	"github.com/gulfbridge/crm-automation/internal/leads"
	"github.com/gulfbridge/crm-automation/internal/messaging"
	"github.com/gulfbridge/crm-automation/internal/queue"
	"github.com/gulfbridge/crm-automation/internal/rules"
)

// The concrete stores must satisfy the worker's store surfaces, including
// what the rule context loader needs from them.
var (
	_ ConversationStore      = (*conversation.Store)(nil)
	_ OpenConversationReader = ConversationStore(nil)
	_ DedupeLedger           = (*events.Ledger)(nil)
)

type fakeLedger struct {
	seen map[string]bool
}

func newFakeLedger() *fakeLedger { return &fakeLedger{seen: map[string]bool{}} }

func (f *fakeLedger) Seen(_ context.Context, key string) (bool, error) {
	return f.seen[key], nil
}

func (f *fakeLedger) Record(_ context.Context, key string) (bool, error) {
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeLeadStore struct {
	created  []*leads.Lead
	expiring []leads.Lead
}

func (f *fakeLeadStore) Create(_ context.Context, req *leads.CreateLeadRequest) (*leads.Lead, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	lead := &leads.Lead{ID: uuid.New(), Name: req.Name, Phone: req.Phone, Stage: leads.StageNew}
	f.created = append(f.created, lead)
	return lead, nil
}

func (f *fakeLeadStore) GetByID(_ context.Context, id uuid.UUID) (*leads.Lead, error) {
	for _, l := range f.created {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, leads.ErrLeadNotFound
}

func (f *fakeLeadStore) ListExpiring(_ context.Context, _ time.Time) ([]leads.Lead, error) {
	return f.expiring, nil
}

type fakeConvStore struct {
	byContact map[string]*conversation.State
	conflicts int
	swaps     []conversation.State
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{byContact: map[string]*conversation.State{}}
}

func (f *fakeConvStore) FindOpen(_ context.Context, contactID string, channel events.Channel) (*conversation.State, error) {
	if s, ok := f.byContact[contactID+":"+string(channel)]; ok {
		return s, nil
	}
	return nil, conversation.ErrNotFound
}

func (f *fakeConvStore) FindOrCreateOpen(_ context.Context, leadID uuid.UUID, contactID string, channel events.Channel, _ string) (*conversation.State, error) {
	key := contactID + ":" + string(channel)
	if s, ok := f.byContact[key]; ok {
		return s, nil
	}
	s := &conversation.State{
		ConversationID: uuid.New(),
		LeadID:         leadID,
		ContactID:      contactID,
		Channel:        channel,
		Stage:          conversation.StageNew,
		KnownFields:    map[string]string{},
		StateVersion:   1,
	}
	f.byContact[key] = s
	return s, nil
}

func (f *fakeConvStore) FindOpenByLead(_ context.Context, leadID uuid.UUID) (*conversation.State, error) {
	for _, s := range f.byContact {
		if s.LeadID == leadID {
			return s, nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (f *fakeConvStore) LoadState(_ context.Context, conversationID uuid.UUID) (*conversation.State, error) {
	for _, s := range f.byContact {
		if s.ConversationID == conversationID {
			return s, nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (f *fakeConvStore) CompareAndSwap(_ context.Context, expectedVersion int64, state conversation.State) error {
	if f.conflicts > 0 {
		f.conflicts--
		return conversation.ErrVersionConflict
	}
	for key, s := range f.byContact {
		if s.ConversationID == state.ConversationID {
			if s.StateVersion != expectedVersion {
				return conversation.ErrVersionConflict
			}
			state.StateVersion = expectedVersion + 1
			f.byContact[key] = &state
			f.swaps = append(f.swaps, state)
			return nil
		}
	}
	return conversation.ErrNotFound
}

type fakeMsgStore struct {
	mu       sync.Mutex
	inserted []messaging.Message
	failures int
}

func (f *fakeMsgStore) Insert(_ context.Context, msg *messaging.Message) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return uuid.Nil, errors.New("connection reset")
	}
	msg.ID = uuid.New()
	f.inserted = append(f.inserted, *msg)
	return msg.ID, nil
}

func (f *fakeMsgStore) RecentInboundText(_ context.Context, _ uuid.UUID, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for i := len(f.inserted) - 1; i >= 0; i-- {
		if f.inserted[i].Direction == messaging.DirectionInbound {
			out = append(out, f.inserted[i].Body)
		}
	}
	return out, nil
}

func (f *fakeMsgStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeRuleSource struct {
	rules map[rules.TriggerKind][]rules.Rule
}

func (f *fakeRuleSource) ListActive(_ context.Context, trigger rules.TriggerKind) ([]rules.Rule, error) {
	return f.rules[trigger], nil
}

type ranRules struct {
	leadIDs  []uuid.UUID
	triggers []rules.TriggerKind
}

func (r *ranRules) RunAll(_ context.Context, ruleSet []rules.Rule, leadID uuid.UUID, trigger rules.TriggerKind, _ rules.ContextLoader) []rules.RunResult {
	r.leadIDs = append(r.leadIDs, leadID)
	r.triggers = append(r.triggers, trigger)
	out := make([]rules.RunResult, 0, len(ruleSet))
	for _, rule := range ruleSet {
		out = append(out, rules.RunResult{RuleID: rule.ID, Status: rules.StatusExecuted})
	}
	return out
}

type workerHarness struct {
	worker *Worker
	ledger *fakeLedger
	leads  *fakeLeadStore
	convs  *fakeConvStore
	msgs   *fakeMsgStore
	engine *ranRules
}

func newHarness(t *testing.T) *workerHarness {
	t.Helper()
	h := &workerHarness{
		ledger: newFakeLedger(),
		leads:  &fakeLeadStore{},
		convs:  newFakeConvStore(),
		msgs:   &fakeMsgStore{},
		engine: &ranRules{},
	}
	source := &fakeRuleSource{rules: map[rules.TriggerKind][]rules.Rule{
		rules.TriggerInboundMessage: {{ID: uuid.New(), Name: "greet", Active: true}},
		rules.TriggerExpiryWindow:   {{ID: uuid.New(), Name: "renewal nudge", Active: true}},
	}}
	h.worker = New(queue.NewMemory(4), h.ledger, h.leads, h.convs, h.msgs, source, h.engine, nil, nil)
	return h
}

func inboundEvent(text string) events.NormalizedEvent {
	return events.NormalizedEvent{
		Type:      events.TypeMessage,
		Channel:   events.ChannelWhatsApp,
		SenderID:  "+971501234567",
		MessageID: "wamid.1",
		Text:      text,
		Timestamp: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestHandleEventFirstContact(t *testing.T) {
	h := newHarness(t)

	err := h.worker.HandleEvent(context.Background(), inboundEvent("I need a trade license in Dubai"))
	require.NoError(t, err)

	require.Len(t, h.leads.created, 1, "lead should be created on first contact")
	require.Len(t, h.msgs.inserted, 1)
	assert.Equal(t, messaging.DirectionInbound, h.msgs.inserted[0].Direction)
	assert.Equal(t, "wamid.1", h.msgs.inserted[0].ProviderMessageID)

	require.Len(t, h.convs.swaps, 1, "state machine apply should persist")
	state := h.convs.swaps[0]
	assert.Equal(t, "trade_license", state.KnownFields[conversation.FieldService])
	assert.NotNil(t, state.LastInboundAt)

	require.Len(t, h.engine.leadIDs, 1)
	assert.Equal(t, h.leads.created[0].ID, h.engine.leadIDs[0])
	assert.Equal(t, rules.TriggerInboundMessage, h.engine.triggers[0])
}

func TestHandleEventDuplicateIsDropped(t *testing.T) {
	h := newHarness(t)
	event := inboundEvent("hello")

	require.NoError(t, h.worker.HandleEvent(context.Background(), event))
	require.NoError(t, h.worker.HandleEvent(context.Background(), event))

	assert.Len(t, h.msgs.inserted, 1, "replay must not record a second message")
	assert.Len(t, h.engine.leadIDs, 1, "replay must not rerun rules")
}

func TestHandleEventRedeliveryAfterFailureReprocesses(t *testing.T) {
	h := newHarness(t)
	h.msgs.failures = 1
	event := inboundEvent("I need a trade license")

	err := h.worker.HandleEvent(context.Background(), event)
	require.Error(t, err, "a mid-pipeline failure must surface")
	assert.False(t, h.ledger.seen[event.DedupeKey()],
		"a failed event must not be recorded as processed")

	// Redelivery of the same event after the transient failure cleared.
	require.NoError(t, h.worker.HandleEvent(context.Background(), event))
	assert.Equal(t, 1, h.msgs.count(), "redelivery should persist the inbound message")
	require.Len(t, h.convs.swaps, 1, "redelivery should apply the state machine")
	assert.Len(t, h.engine.leadIDs, 1, "redelivery should run rules")
	assert.True(t, h.ledger.seen[event.DedupeKey()])

	// A third delivery is now a plain duplicate.
	require.NoError(t, h.worker.HandleEvent(context.Background(), event))
	assert.Equal(t, 1, h.msgs.count())
	assert.Len(t, h.engine.leadIDs, 1)
}

func TestHandleEventReusesOpenConversation(t *testing.T) {
	h := newHarness(t)

	first := inboundEvent("I am from India")
	require.NoError(t, h.worker.HandleEvent(context.Background(), first))

	second := first
	second.MessageID = "wamid.2"
	second.Text = "looking for a golden visa"
	require.NoError(t, h.worker.HandleEvent(context.Background(), second))

	assert.Len(t, h.leads.created, 1, "second message must not open a second lead")
	require.Len(t, h.msgs.inserted, 2)

	state := h.convs.swaps[len(h.convs.swaps)-1]
	assert.Equal(t, "Indian", state.KnownFields[conversation.FieldNationality])
	assert.Equal(t, "golden_visa", state.KnownFields[conversation.FieldService])
}

func TestApplyInboundRetriesOnVersionConflict(t *testing.T) {
	h := newHarness(t)
	h.convs.conflicts = 2

	err := h.worker.HandleEvent(context.Background(), inboundEvent("hello"))
	require.NoError(t, err)
	assert.Len(t, h.convs.swaps, 1, "apply should land after reloading")
}

func TestApplyInboundGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.convs.conflicts = casRetries

	err := h.worker.HandleEvent(context.Background(), inboundEvent("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version conflicts")
}

func TestDeliveryReceiptsAreIgnored(t *testing.T) {
	h := newHarness(t)

	event := events.NormalizedEvent{
		Type:      events.TypeDelivery,
		Channel:   events.ChannelWhatsApp,
		SenderID:  "+971501234567",
		MessageID: "wamid.9",
	}
	require.NoError(t, h.worker.HandleEvent(context.Background(), event))
	assert.Empty(t, h.msgs.inserted)
	assert.Empty(t, h.engine.leadIDs)
}

func TestRunExpirySweep(t *testing.T) {
	h := newHarness(t)
	lead1 := leads.Lead{ID: uuid.New(), Stage: leads.StageInProgress}
	lead2 := leads.Lead{ID: uuid.New(), Stage: leads.StageQualified}
	h.leads.expiring = []leads.Lead{lead1, lead2}
	h.leads.created = []*leads.Lead{&lead1, &lead2}

	require.NoError(t, h.worker.RunExpirySweep(context.Background()))

	require.Len(t, h.engine.leadIDs, 2)
	assert.Equal(t, rules.TriggerExpiryWindow, h.engine.triggers[0])
	assert.Equal(t, rules.TriggerExpiryWindow, h.engine.triggers[1])
}

func TestWorkerConsumesQueue(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.PublishEvent(ctx, h.worker.queue, inboundEvent("trade license please")))

	h.worker.Start(ctx)

	deadline := time.After(2 * time.Second)
	for h.msgs.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("worker did not process the queued event")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	h.worker.Wait()
	assert.Equal(t, 1, h.msgs.count())
}
