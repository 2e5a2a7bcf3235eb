package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

func TestBusDeliversOnlyToMatchingCallID(t *testing.T) {
	bus := NewBus(WithSynchronousDelivery())

	var got []domain.OutcomeEvent
	_, err := bus.Subscribe("call-1", func(evt domain.OutcomeEvent) { got = append(got, evt) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(domain.OutcomeEvent{CallID: "call-2", Outcome: domain.OutcomeVoicemail}))
	require.NoError(t, bus.Publish(domain.OutcomeEvent{CallID: "call-1", Outcome: domain.OutcomeUnreachable}))

	require.Len(t, got, 1)
	assert.Equal(t, domain.OutcomeUnreachable, got[0].Outcome)

	stats := bus.GetStats()
	assert.EqualValues(t, 2, stats.Published)
	assert.EqualValues(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.ActiveCallIDs)
}

func TestBusUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	bus := NewBus(WithSynchronousDelivery())

	var a, b int
	unsubA, err := bus.Subscribe("call-1", func(domain.OutcomeEvent) { a++ })
	require.NoError(t, err)
	_, err = bus.Subscribe("call-1", func(domain.OutcomeEvent) { b++ })
	require.NoError(t, err)

	unsubA()
	unsubA() // idempotent

	require.NoError(t, bus.Publish(domain.OutcomeEvent{CallID: "call-1"}))
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestBusAsyncDeliveryAndPanicIsolation(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(1)
	_, _ = bus.Subscribe("call-1", func(domain.OutcomeEvent) { panic("bad handler") })
	_, _ = bus.Subscribe("call-1", func(domain.OutcomeEvent) { wg.Done() })

	require.NoError(t, bus.Publish(domain.OutcomeEvent{CallID: "call-1"}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthy handler was not called")
	}
}

func TestBusRejectsEmptyAndClosed(t *testing.T) {
	bus := NewBus()
	assert.Error(t, bus.Publish(domain.OutcomeEvent{}))
	_, err := bus.Subscribe(" ", func(domain.OutcomeEvent) {})
	assert.Error(t, err)

	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(domain.OutcomeEvent{CallID: "x"}))
	_, err = bus.Subscribe("x", func(domain.OutcomeEvent) {})
	assert.Error(t, err)
}

func TestBusMiddleware(t *testing.T) {
	bus := NewBus(WithSynchronousDelivery())
	var order []string
	bus.Use(func(next OutcomeHandler) OutcomeHandler {
		return func(evt domain.OutcomeEvent) {
			order = append(order, "mw")
			next(evt)
		}
	})
	bus.Use(LoggingMiddleware)
	_, _ = bus.Subscribe("c", func(domain.OutcomeEvent) { order = append(order, "handler") })

	require.NoError(t, bus.Publish(domain.OutcomeEvent{CallID: "c"}))
	assert.Equal(t, []string{"mw", "handler"}, order)
}

type fakeRedis struct {
	publishErr error
	published  []interface{}
	handler    func(string)
}

func (f *fakeRedis) GetValue(context.Context, string) (string, error)              { return "", nil }
func (f *fakeRedis) SetValue(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeRedis) DelValue(context.Context, string) error                        { return nil }
func (f *fakeRedis) ScanKeys(context.Context, string) ([]string, error)            { return nil, nil }
func (f *fakeRedis) Update(context.Context, string, time.Duration, func([]byte, bool) ([]byte, error)) error {
	return nil
}
func (f *fakeRedis) Publish(_ context.Context, _ string, msg interface{}) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}
func (f *fakeRedis) Subscribe(_ context.Context, _ string, handler func(string)) error {
	f.handler = handler
	return nil
}

func TestRedisBridge(t *testing.T) {
	fr := &fakeRedis{}
	bridge := NewRedisBridge(NewBus(WithSynchronousDelivery()), fr)
	require.NoError(t, bridge.Start(context.Background()))

	var got []domain.OutcomeEvent
	_, _ = bridge.Subscribe("call-9", func(evt domain.OutcomeEvent) { got = append(got, evt) })

	require.NoError(t, bridge.Publish(domain.OutcomeEvent{CallID: "call-9", Outcome: domain.OutcomeVoicemail}))
	assert.Len(t, fr.published, 1)
	assert.Empty(t, got, "delivery happens when the channel message comes back")

	fr.handler(`{"callId":"call-9","outcome":"Boite_Vocale"}`)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OutcomeVoicemail, got[0].Outcome)

	fr.publishErr = errors.New("redis down")
	require.NoError(t, bridge.Publish(domain.OutcomeEvent{CallID: "call-9", Outcome: domain.OutcomeUnreachable}))
	assert.Len(t, got, 2, "falls back to local delivery")
}
