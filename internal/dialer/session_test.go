package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

type fakeDevice struct {
	mu        sync.Mutex
	openErr   error
	dialErr   error
	connected bool
	dials     []DialRequest
	hangups   []string
	closed    bool
}

func (d *fakeDevice) Open(context.Context, string) error { return d.openErr }

func (d *fakeDevice) Dial(_ context.Context, req DialRequest) (*DialResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, req)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &DialResult{ExecutionSid: "FN-" + req.CallID, Connected: d.connected}, nil
}

func (d *fakeDevice) Hangup(_ context.Context, callID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups = append(d.hangups, callID)
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeQueue struct {
	leads []domain.Lead
	done  []string
}

func (q *fakeQueue) Pull(context.Context, string) ([]domain.Lead, error) { return q.leads, nil }

func (q *fakeQueue) MarkDone(_ context.Context, _ string, leadID string) error {
	q.done = append(q.done, leadID)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	err     error
	updates []domain.ResultUpdate
}

func (s *fakeSink) Record(_ context.Context, update domain.ResultUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return s.err
}

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return true
}

type manualClock struct {
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) Timer {
	t := &manualTimer{fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) fireAll() {
	for _, t := range c.timers {
		if !t.stopped {
			t.fn()
		}
	}
}

type sessionFixture struct {
	session *Session
	device  *fakeDevice
	queue   *fakeQueue
	sink    *fakeSink
	bus     *event.DefaultBus
	clock   *manualClock
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		device: &fakeDevice{connected: true},
		queue: &fakeQueue{leads: []domain.Lead{
			{ID: "L1", Name: "Marie", MobilePhone: "514-555-0101", ActivityName: "ACT-1"},
			{ID: "L2", Name: "Paul", DirectPhone: "+33 1 23 45 67 89", ActivityName: "ACT-2"},
			{ID: "L3", Name: "No Phone", ActivityName: "ACT-3"},
		}},
		sink:  &fakeSink{},
		bus:   event.NewBus(event.WithSynchronousDelivery()),
		clock: &manualClock{},
	}

	n := 0
	session, err := NewSession(Config{
		Agent:        "Alice",
		CallerID:     "+15145550000",
		Device:       f.device,
		Outcomes:     f.bus,
		Queue:        f.queue,
		QueueUpdater: f.queue,
		Results:      f.sink,
		AfterFunc:    f.clock.AfterFunc,
		NewCallID: func() string {
			n++
			return fmt.Sprintf("call-%d", n)
		},
	})
	require.NoError(t, err)
	f.session = session

	require.NoError(t, session.Open(context.Background()))
	count, err := session.LoadQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, count)
	return f
}

func (f *sessionFixture) publish(t *testing.T, callID string, outcome domain.Outcome) {
	t.Helper()
	require.NoError(t, f.bus.Publish(domain.OutcomeEvent{CallID: callID, Outcome: outcome}))
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Config{Device: &fakeDevice{}, Outcomes: event.NewBus()})
	assert.Error(t, err)
	_, err = NewSession(Config{Agent: "a", Outcomes: event.NewBus()})
	assert.Error(t, err)
	_, err = NewSession(Config{Agent: "a", Device: &fakeDevice{}})
	assert.Error(t, err)
}

func TestOpenFailureDisablesDialing(t *testing.T) {
	device := &fakeDevice{openErr: errors.New("token refused")}
	session, err := NewSession(Config{Agent: "alice", CallerID: "+15145550000", Device: device, Outcomes: event.NewBus()})
	require.NoError(t, err)

	assert.Error(t, session.Open(context.Background()))
	snap := session.Snapshot()
	assert.False(t, snap.DeviceReady)
	assert.Contains(t, snap.Status, "telephony unavailable")

	_, err = session.Dial(context.Background())
	assert.ErrorIs(t, err, ErrDeviceNotReady)
	assert.Equal(t, StateIdle, session.State())
	assert.Empty(t, device.dials)
}

func TestDialRejectedWhileCallInProgress(t *testing.T) {
	f := newSessionFixture(t)

	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "call-1", callID)
	assert.Equal(t, StateWaitingOutcome, f.session.State())
	require.Len(t, f.device.dials, 1)
	assert.Equal(t, "+15145550101", f.device.dials[0].To)
	assert.Equal(t, "+15145550000", f.device.dials[0].From)
	assert.Equal(t, "ACT-1", f.device.dials[0].ActivityName)

	before := f.session.Snapshot()
	_, err = f.session.Dial(context.Background())
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.Equal(t, before, f.session.Snapshot())
	assert.Len(t, f.device.dials, 1)
}

func TestDialPreconditions(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Next())
	require.NoError(t, f.session.Next())

	_, err := f.session.Dial(context.Background())
	assert.ErrorIs(t, err, ErrNoValidNumber)
	assert.Equal(t, StateIdle, f.session.State())

	assert.ErrorIs(t, f.session.Next(), ErrQueueExhausted)
	_, err = f.session.Dial(context.Background())
	assert.ErrorIs(t, err, ErrNoLead)
	assert.Empty(t, f.device.dials)

	assert.Error(t, f.session.SetCallerID("nope"))
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	f := newSessionFixture(t)
	f.device.dialErr = errors.New("flow rejected")

	_, err := f.session.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, f.session.State())
	assert.Nil(t, f.session.Snapshot().Call)
	assert.Equal(t, 0, f.bus.GetStats().ActiveCallIDs)
}

func TestVoicemailIsRecordedAndAdvances(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	f.publish(t, callID, domain.OutcomeVoicemail)

	assert.Equal(t, StateIdle, f.session.State())
	require.Len(t, f.sink.updates, 1)
	update := f.sink.updates[0]
	assert.Equal(t, domain.OutcomeVoicemail, update.Result)
	assert.Equal(t, "ACT-1", update.ActivityName)
	assert.Equal(t, "alice", update.Agent)
	assert.Equal(t, callID, update.CallID)
	assert.Equal(t, []string{"L1"}, f.queue.done)

	// the advance waits for the delay
	assert.Equal(t, 0, f.session.Snapshot().Position)
	require.Len(t, f.clock.timers, 1)
	f.clock.fireAll()

	snap := f.session.Snapshot()
	assert.Equal(t, 1, snap.Position)
	assert.Equal(t, "L2", snap.Lead.ID)
	assert.Equal(t, domain.OutcomeVoicemail, snap.LastOutcome)
}

func TestSaveAndNextAfterAutoRecordOnlyAdvances(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	f.publish(t, callID, domain.OutcomeVoicemail)
	require.Len(t, f.sink.updates, 1)
	snap := f.session.Snapshot()
	require.NotNil(t, snap.Call)
	assert.True(t, snap.Call.Saved)

	// the agent saves before the pending advance fires
	require.NoError(t, f.session.SaveAndNext(context.Background(), &ResultForm{Outcome: domain.OutcomeNotInterested}))
	require.Len(t, f.sink.updates, 1)
	assert.Equal(t, domain.OutcomeVoicemail, f.sink.updates[0].Result)
	assert.Equal(t, []string{"L1"}, f.queue.done)
	assert.Equal(t, domain.OutcomeVoicemail, f.session.Snapshot().LastOutcome)

	f.clock.fireAll()
	assert.Equal(t, 1, f.session.Snapshot().Position)
}

func TestOutcomeForAnotherCallIsIgnored(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	// no session is subscribed to this id, so the bus drops it
	f.publish(t, "call-from-yesterday", domain.OutcomeVoicemail)
	// a handler reached with a foreign id must not act either
	f.session.handleOutcome(domain.OutcomeEvent{CallID: "call-from-yesterday", Outcome: domain.OutcomeVoicemail})

	assert.Equal(t, StateWaitingOutcome, f.session.State())
	assert.Empty(t, f.sink.updates)
	assert.Empty(t, f.clock.timers)
}

func TestUnknownOutcomeIsRecordedAsUnreachable(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	f.publish(t, callID, "Something_Else")

	require.Len(t, f.sink.updates, 1)
	assert.Equal(t, domain.OutcomeUnreachable, f.sink.updates[0].Result)
	assert.Equal(t, StateIdle, f.session.State())
}

func TestHumanAnswerHandsOffToAgent(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	f.publish(t, callID, domain.OutcomeHumanAnswered)
	assert.Equal(t, StateAgentConnected, f.session.State())
	assert.Empty(t, f.sink.updates)
	assert.Empty(t, f.clock.timers)

	// a second delivery of the same outcome changes nothing
	f.session.handleOutcome(domain.OutcomeEvent{CallID: callID, Outcome: domain.OutcomeVoicemail})
	assert.Equal(t, StateAgentConnected, f.session.State())

	err = f.session.SubmitResult(context.Background(), ResultForm{Outcome: domain.OutcomeHumanAnswered})
	assert.Equal(t, 400, domain.HTTPStatus(err))
	assert.ErrorIs(t, f.session.Next(), ErrCallInProgress)

	require.NoError(t, f.session.SubmitResult(context.Background(), ResultForm{
		Outcome:         domain.OutcomeVisitPlanned,
		Notes:           "wants a visit",
		MeetingDatetime: "2026-11-02T10:00",
	}))
	require.Len(t, f.sink.updates, 1)
	assert.Equal(t, "2026-11-02T10:00", f.sink.updates[0].MeetingDatetime)

	require.NoError(t, f.session.Hangup(context.Background()))
	assert.Equal(t, StateIdle, f.session.State())
	assert.Equal(t, []string{callID}, f.device.hangups)
	assert.Empty(t, f.clock.timers)
	assert.Equal(t, 0, f.session.Snapshot().Position)

	// already saved, so save-and-next only advances
	require.NoError(t, f.session.SaveAndNext(context.Background(), &ResultForm{Outcome: domain.OutcomeNotInterested}))
	assert.Len(t, f.sink.updates, 1)
	assert.Equal(t, 1, f.session.Snapshot().Position)
}

func TestSaveAndNextPersistsUnsavedResult(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)
	f.publish(t, callID, domain.OutcomeHumanAnswered)
	require.NoError(t, f.session.Hangup(context.Background()))

	require.NoError(t, f.session.SaveAndNext(context.Background(), &ResultForm{Outcome: domain.OutcomeNotInterested, Notes: "no budget"}))
	require.Len(t, f.sink.updates, 1)
	assert.Equal(t, domain.OutcomeNotInterested, f.sink.updates[0].Result)
	assert.Equal(t, "no budget", f.sink.updates[0].Notes)
	assert.Equal(t, "L2", f.session.Snapshot().Lead.ID)
}

func TestHangupWhileWaitingDiscardsCall(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.session.Hangup(context.Background()))
	assert.Equal(t, StateIdle, f.session.State())
	assert.Nil(t, f.session.Snapshot().Call)

	// the late outcome finds nobody listening
	f.publish(t, callID, domain.OutcomeVoicemail)
	assert.Empty(t, f.sink.updates)
	assert.Empty(t, f.clock.timers)
	assert.Equal(t, 0, f.session.Snapshot().Position)

	assert.ErrorIs(t, f.session.Hangup(context.Background()), ErrNoActiveCall)
}

func TestPersistFailureDoesNotBlockSession(t *testing.T) {
	f := newSessionFixture(t)
	f.sink.err = errors.New("crm down")
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	f.publish(t, callID, domain.OutcomeUnreachable)
	assert.Equal(t, StateIdle, f.session.State())
	require.Len(t, f.clock.timers, 1)
	f.clock.fireAll()
	assert.Equal(t, 1, f.session.Snapshot().Position)
}

func TestEarlyOutcomeIsHeldUntilConnected(t *testing.T) {
	f := newSessionFixture(t)
	f.device.connected = false

	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCalling, f.session.State())

	f.publish(t, callID, domain.OutcomeVoicemail)
	assert.Equal(t, StateCalling, f.session.State())
	assert.Empty(t, f.sink.updates)

	f.session.Connected("call-other")
	assert.Equal(t, StateCalling, f.session.State())

	f.session.Connected(callID)
	assert.Equal(t, StateIdle, f.session.State())
	require.Len(t, f.sink.updates, 1)
}

func TestManualNextCancelsPendingAdvance(t *testing.T) {
	f := newSessionFixture(t)
	callID, err := f.session.Dial(context.Background())
	require.NoError(t, err)
	f.publish(t, callID, domain.OutcomeVoicemail)

	require.NoError(t, f.session.Next())
	f.clock.fireAll()
	assert.Equal(t, 1, f.session.Snapshot().Position)
}

func TestCloseReleasesDevice(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.session.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.session.Close())
	assert.True(t, f.device.closed)
	assert.Equal(t, 0, f.bus.GetStats().ActiveCallIDs)
	_, err = f.session.Dial(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
