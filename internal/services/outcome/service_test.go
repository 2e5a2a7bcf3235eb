package outcome

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/internal/kv"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) FetchExecution(ctx context.Context, flowSid, executionSid string) (*domain.ProviderExecution, error) {
	args := m.Called(flowSid, executionSid)
	exec, _ := args.Get(0).(*domain.ProviderExecution)
	return exec, args.Error(1)
}

func (m *mockProvider) FetchExecutionContext(ctx context.Context, flowSid, executionSid string) (domain.JSONB, error) {
	args := m.Called(flowSid, executionSid)
	data, _ := args.Get(0).(domain.JSONB)
	return data, args.Error(1)
}

// brokenStore fails every operation
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) ([]byte, error)              { return nil, errStoreDown }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error { return errStoreDown }
func (brokenStore) Delete(context.Context, string) error                     { return errStoreDown }
func (brokenStore) List(context.Context, string) ([]string, error)           { return nil, errStoreDown }
func (brokenStore) Update(context.Context, string, time.Duration, kv.UpdateFunc) error {
	return errStoreDown
}

type fixture struct {
	svc      *OutcomeService
	store    *kv.MemoryStore
	bus      *event.DefaultBus
	provider *mockProvider
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    kv.NewMemoryStore(time.Minute),
		bus:      event.NewBus(event.WithSynchronousDelivery()),
		provider: &mockProvider{},
		clock:    time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
	f.svc = NewOutcomeService(f.store, f.bus, f.provider, "FW-default")
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestIngestKeepsEarlierVoicemailOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX1", AnsweredBy: "machine_start"})
	require.NoError(t, err)

	rec, err := f.svc.Outcome(ctx, "EX1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.OutcomeVoicemail, rec.Outcome)

	f.advance(5 * time.Second)
	res, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX1", CallStatus: "completed"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVoicemail, res.Outcome)
	assert.True(t, res.Terminal)

	rec, err = f.svc.Outcome(ctx, "EX1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVoicemail, rec.Outcome)

	var stored domain.ExecutionRecord
	require.NoError(t, kv.GetJSON(ctx, f.store, "execution:EX1", &stored))
	assert.Equal(t, "machine_start", stored.AnsweredBy)
	assert.Equal(t, "completed", stored.CallStatus)
}

func TestIngestExplicitOutcomeAlwaysWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX2", AnsweredBy: "human"})
	require.NoError(t, err)
	res, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX2", Outcome: "Pas_Interesse", AnsweredBy: "machine_end_beep"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotInterested, res.Outcome)
}

func TestIngestWithoutSignalRecordsNoOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX3", StepName: "dial", CallStatus: "ringing"})
	require.NoError(t, err)
	assert.Empty(t, res.Outcome)
	assert.False(t, res.Terminal)

	rec, err := f.svc.Outcome(ctx, "EX3")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIngestRequiresIdentifier(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), WebhookEvent{AnsweredBy: "human"})
	var validationErr *domain.ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestIngestPublishesToCallSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var got []domain.OutcomeEvent
	_, err := f.bus.Subscribe("call-abc", func(evt domain.OutcomeEvent) { got = append(got, evt) })
	require.NoError(t, err)

	require.NoError(t, f.svc.RegisterCall(ctx, domain.ExecutionRecord{ExecutionSid: "EX4", CallID: "call-abc", Agent: "Marie"}))
	_, err = f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX4", CallStatus: "busy"})
	require.NoError(t, err)
	// same outcome again does not re-notify
	_, err = f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX4", CallStatus: "busy", StepName: "end"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, domain.OutcomeUnreachable, got[0].Outcome)
	assert.Equal(t, "EX4", got[0].ExecutionSid)

	rec, err := f.svc.Outcome(ctx, "call-abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.OutcomeUnreachable, rec.Outcome)
	assert.Equal(t, "marie", rec.Agent)
}

func TestIngestByCallIDOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, WebhookEvent{CallID: "sim-1", Outcome: "Boite_Vocale"})
	require.NoError(t, err)
	assert.Equal(t, "sim-1", res.ExecutionSid)

	rec, err := f.svc.Outcome(ctx, "sim-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.OutcomeVoicemail, rec.Outcome)
}

func TestIngestFoldsUnknownOutcomeCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, WebhookEvent{CallID: "sim-2", Outcome: "Rappel_Demain", AnsweredBy: "human"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnreachable, res.Outcome)

	rec, err := f.svc.Outcome(ctx, "sim-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.OutcomeUnreachable, rec.Outcome)
	assert.True(t, rec.Outcome.IsValid())
}

func TestIngestSwallowsStorageFailure(t *testing.T) {
	bus := event.NewBus(event.WithSynchronousDelivery())
	svc := NewOutcomeService(brokenStore{}, bus, nil, "")

	var got []domain.OutcomeEvent
	_, _ = bus.Subscribe("call-x", func(evt domain.OutcomeEvent) { got = append(got, evt) })

	res, err := svc.Ingest(context.Background(), WebhookEvent{ExecutionSid: "EX5", CallID: "call-x", AnsweredBy: "machine_end_silence"})
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.Equal(t, domain.OutcomeVoicemail, res.Outcome)
	require.Len(t, got, 1, "subscribers still learn the outcome")
}

func TestTerminalIngestArchivesResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX6", CallStatus: "no-answer"})
	require.NoError(t, err)
	f.advance(time.Minute)
	_, err = f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX7", CallStatus: "in-progress"})
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX8", AnsweredBy: "human", CallStatus: "completed"})
	require.NoError(t, err)

	results, err := f.svc.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "EX8", results[0].ExecutionSid)
	assert.Equal(t, domain.OutcomeHumanAnswered, results[0].Outcome)
	assert.Equal(t, "EX6", results[1].ExecutionSid)
}

func TestExecutionStatusServesFreshCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX10", AnsweredBy: "machine_start"})
	require.NoError(t, err)
	f.advance(10 * time.Second)

	res, err := f.svc.ExecutionStatus(ctx, "EX10", "")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, domain.OutcomeVoicemail, *res.Outcome)
	f.provider.AssertNotCalled(t, "FetchExecution", mock.Anything, mock.Anything)
}

func TestExecutionStatusFallsBackToCacheOnProviderError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX11", FlowSid: "FW1", CallStatus: "ringing"})
	require.NoError(t, err)
	f.provider.On("FetchExecution", "FW1", "EX11").Return(nil, errors.New("503"))

	res, err := f.svc.ExecutionStatus(ctx, "EX11", "")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, "ringing", res.Execution.CallStatus)
}

func TestExecutionStatusFailsWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.provider.On("FetchExecution", "FW1", "EX12").Return(nil, errors.New("503"))

	_, err := f.svc.ExecutionStatus(context.Background(), "EX12", "FW1")
	require.Error(t, err)
	assert.Equal(t, 502, domain.HTTPStatus(err))
}

func TestExecutionStatusLiveEndedDerivesOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RegisterCall(ctx, domain.ExecutionRecord{ExecutionSid: "EX13", FlowSid: "FW1", CallID: "call-13"}))

	var got []domain.OutcomeEvent
	_, _ = f.bus.Subscribe("call-13", func(evt domain.OutcomeEvent) { got = append(got, evt) })

	f.provider.On("FetchExecution", "FW1", "EX13").Return(&domain.ProviderExecution{Sid: "EX13", FlowSid: "FW1", Status: "ended"}, nil)
	f.provider.On("FetchExecutionContext", "FW1", "EX13").Return(domain.JSONB{
		"widgets": map[string]interface{}{
			"call_lead": map[string]interface{}{"AnsweredBy": "machine_end_beep", "CallStatus": "completed"},
		},
	}, nil)

	res, err := f.svc.ExecutionStatus(ctx, "EX13", "")
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, domain.OutcomeVoicemail, *res.Outcome)
	assert.Equal(t, "ended", res.Execution.Status)
	assert.Equal(t, "call-13", res.Execution.CallID)

	require.Len(t, got, 1)
	results, err := f.svc.Results(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestExecutionStatusEndedWithoutSignalIsUnreachable(t *testing.T) {
	f := newFixture(t)
	f.provider.On("FetchExecution", "FW1", "EX14").Return(&domain.ProviderExecution{Sid: "EX14", Status: "ended"}, nil)
	f.provider.On("FetchExecutionContext", "FW1", "EX14").Return(domain.JSONB{}, nil)

	res, err := f.svc.ExecutionStatus(context.Background(), "EX14", "FW1")
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, domain.OutcomeUnreachable, *res.Outcome)
}

func TestExecutionStatusActiveKeepsPolling(t *testing.T) {
	f := newFixture(t)
	f.provider.On("FetchExecution", "FW-default", "EX15").Return(&domain.ProviderExecution{Sid: "EX15", Status: "active"}, nil)

	res, err := f.svc.ExecutionStatus(context.Background(), "EX15", "")
	require.NoError(t, err)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, "active", res.Execution.Status)
	f.provider.AssertNotCalled(t, "FetchExecutionContext", mock.Anything, mock.Anything)
}

func TestOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Override(ctx, "EX20", ManualUpdate{Outcome: "Bogus"})
	assert.Equal(t, 400, domain.HTTPStatus(err))
	_, err = f.svc.Override(ctx, "EX20", ManualUpdate{})
	assert.Equal(t, 400, domain.HTTPStatus(err))

	_, err = f.svc.Ingest(ctx, WebhookEvent{ExecutionSid: "EX20", CallID: "call-20", AnsweredBy: "human"})
	require.NoError(t, err)

	rec, err := f.svc.Override(ctx, "EX20", ManualUpdate{
		Outcome:         "Visite_Planifiee",
		Notes:           "wants a site visit",
		Agent:           "Marie",
		MeetingDatetime: "2026-03-09T10:00",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVisitPlanned, rec.Outcome)
	assert.Equal(t, "human", rec.AnsweredBy)

	out, err := f.svc.Outcome(ctx, "call-20")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVisitPlanned, out.Outcome)
	assert.Equal(t, "2026-03-09T10:00", out.MeetingDatetime)

	results, err := f.svc.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SourceManual, results[0].Source)
}

func TestWaitOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("already recorded", func(t *testing.T) {
		_, err := f.svc.Ingest(ctx, WebhookEvent{CallID: "w1", Outcome: "Pas_Joignable"})
		require.NoError(t, err)
		rec, err := f.svc.WaitOutcome(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, domain.OutcomeUnreachable, rec.Outcome)
	})

	t.Run("delivered later", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = f.svc.Ingest(context.Background(), WebhookEvent{CallID: "w2", AnsweredBy: "machine_start"})
		}()
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		rec, err := f.svc.WaitOutcome(waitCtx, "w2")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, domain.OutcomeVoicemail, rec.Outcome)
	})

	t.Run("times out empty", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		rec, err := f.svc.WaitOutcome(waitCtx, "w3")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}
