package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-dialer-service/internal/dialer"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL+"/", 2*time.Second)
	require.NoError(t, err)
	return client
}

func TestDeviceOpenAndDial(t *testing.T) {
	var placed placeCallRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			assert.Equal(t, "alice", r.URL.Query().Get("identity"))
			_, _ = w.Write([]byte(`{"token":"jwt","identity":"alice","expiresIn":3600}`))
		case "/calls":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&placed))
			_, _ = w.Write([]byte(`{"executionSid":"FN123","callId":"c-1"}`))
		default:
			http.NotFound(w, r)
		}
	})

	device := NewDevice(client)
	_, err := device.Dial(context.Background(), dialer.DialRequest{CallID: "c-1"})
	assert.ErrorIs(t, err, dialer.ErrDeviceNotReady)

	require.NoError(t, device.Open(context.Background(), "alice"))
	assert.True(t, device.Ready())

	result, err := device.Dial(context.Background(), dialer.DialRequest{
		CallID: "c-1", To: "+15145550101", From: "+15145550000", Agent: "alice", ActivityName: "ACT-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "FN123", result.ExecutionSid)
	assert.True(t, result.Connected)
	assert.Equal(t, "+15145550101", placed.To)
	assert.Equal(t, "ACT-1", placed.ActivityName)

	require.NoError(t, device.Close())
	assert.False(t, device.Ready())
}

func TestDeviceOpenUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error":"identity is not allowed"}`))
	})

	err := NewDevice(client).Open(context.Background(), "mallory")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "identity is not allowed", statusErr.Message)
}

func TestDialIsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			_, _ = w.Write([]byte(`{"token":"jwt","identity":"alice","expiresIn":3600}`))
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	device := NewDevice(client)
	require.NoError(t, device.Open(context.Background(), "alice"))
	_, err := device.Dial(context.Background(), dialer.DialRequest{CallID: "c-1"})
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestQueueAndResults(t *testing.T) {
	var done map[string]string
	var recorded domain.ResultUpdate
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/queue":
			assert.Equal(t, "alice", r.URL.Query().Get("agent"))
			_, _ = w.Write([]byte(`[{"id":"L1","name":"Marie"},{"id":"L2","name":"Paul"}]`))
		case r.URL.Path == "/queue/done":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&done))
			_, _ = w.Write([]byte(`{"success":true}`))
		case r.URL.Path == "/airtable/update-result":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&recorded))
			_, _ = w.Write([]byte(`{"success":true,"method":"stored_only"}`))
		default:
			http.NotFound(w, r)
		}
	})

	queue := NewQueue(client)
	leads, err := queue.Pull(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "L2", leads[1].ID)

	require.NoError(t, queue.MarkDone(context.Background(), "alice", "L1"))
	assert.Equal(t, map[string]string{"agent": "alice", "leadId": "L1"}, done)

	require.NoError(t, NewResults(client).Record(context.Background(), domain.ResultUpdate{
		ActivityName: "ACT-1", Result: domain.OutcomeVoicemail, Agent: "alice",
	}))
	assert.Equal(t, domain.OutcomeVoicemail, recorded.Result)
}

type capturePublisher struct {
	events chan domain.OutcomeEvent
}

func (p *capturePublisher) Publish(evt domain.OutcomeEvent) error {
	p.events <- evt
	return nil
}

func TestWatcherPublishesOutcome(t *testing.T) {
	var polls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/outcome/wait", r.URL.Path)
		assert.Equal(t, "c-1", r.URL.Query().Get("callId"))
		if atomic.AddInt32(&polls, 1) < 3 {
			_, _ = w.Write([]byte(`{"outcome":null}`))
			return
		}
		_, _ = w.Write([]byte(`{"outcome":"Boite_Vocale"}`))
	})

	pub := &capturePublisher{events: make(chan domain.OutcomeEvent, 1)}
	watcher := NewWatcher(client, pub, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		watcher.Watch(context.Background(), "c-1", "FN1")
		close(done)
	}()

	select {
	case evt := <-pub.events:
		assert.Equal(t, "c-1", evt.CallID)
		assert.Equal(t, "FN1", evt.ExecutionSid)
		assert.Equal(t, domain.OutcomeVoicemail, evt.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("outcome was not published")
	}
	<-done
	assert.EqualValues(t, 3, atomic.LoadInt32(&polls))
}

func TestWatcherStopsOnCancel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outcome":null}`))
	})
	pub := &capturePublisher{events: make(chan domain.OutcomeEvent, 1)}
	watcher := NewWatcher(client, pub, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watcher.Watch(ctx, "c-1", "")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Empty(t, pub.events)
}
