package crm

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

	"github.com/ClareAI/astra-dialer-service/internal/domain"
)

var sampleUpdate = domain.ResultUpdate{
	ActivityName: "ACT-42",
	Result:       domain.OutcomeVoicemail,
	Notes:        "left a message",
	Agent:        "marie",
}

func TestRelayClientSend(t *testing.T) {
	var got relayPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewRelayClient(server.URL, time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), sampleUpdate))

	assert.Equal(t, "ACT-42", got.ActivityName)
	assert.Equal(t, "Boite_Vocale", got.Result)
	assert.Equal(t, "marie", got.Agent)
	assert.NotEmpty(t, got.Timestamp)
}

func TestRelayClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewRelayClient(server.URL, time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), sampleUpdate))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRelayClientClientErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, err := NewRelayClient(server.URL, time.Second)
	require.NoError(t, err)
	assert.Error(t, client.Send(context.Background(), sampleUpdate))
}

func TestNewRelayClientRequiresURL(t *testing.T) {
	_, err := NewRelayClient("", time.Second)
	assert.Error(t, err)
}

func TestAirtableUpdateResult(t *testing.T) {
	var patched airtableUpdateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key123", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/appBase/Call%20Activities", r.URL.EscapedPath())
			assert.Equal(t, "{Name}='ACT-42'", r.URL.Query().Get("filterByFormula"))
			_, _ = w.Write([]byte(`{"records":[{"id":"rec777","fields":{"Name":"ACT-42"}}]}`))
		case http.MethodPatch:
			assert.Equal(t, "/appBase/Call%20Activities/rec777", r.URL.EscapedPath())
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			_, _ = w.Write([]byte(`{"id":"rec777"}`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	client, err := NewAirtableClient(server.URL, "key123", "appBase", "Call Activities", time.Second)
	require.NoError(t, err)

	update := sampleUpdate
	update.MeetingDatetime = "2026-03-09T10:00"
	recordID, err := client.UpdateResult(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, "rec777", recordID)
	assert.Equal(t, "Boite_Vocale", patched.Fields[FieldResult])
	assert.Equal(t, "done", patched.Fields[FieldStatus])
	assert.Equal(t, "2026-03-09T10:00", patched.Fields[FieldMeetingDatetime])
	_, hasMeetingNotes := patched.Fields[FieldMeetingNotes]
	assert.False(t, hasMeetingNotes)
	assert.True(t, patched.Typecast)
}

func TestAirtableActivityNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer server.Close()

	client, err := NewAirtableClient(server.URL, "key", "app", "Activities", time.Second)
	require.NoError(t, err)
	_, err = client.UpdateResult(context.Background(), sampleUpdate)
	assert.True(t, errors.Is(err, ErrActivityNotFound))
}

func TestEscapeFormula(t *testing.T) {
	assert.Equal(t, `O\'Brien`, escapeFormula("O'Brien"))
	assert.Equal(t, `a\\b`, escapeFormula(`a\b`))
}

func TestNewAirtableClientValidation(t *testing.T) {
	_, err := NewAirtableClient("http://x", "", "app", "t", time.Second)
	assert.Error(t, err)
	_, err = NewAirtableClient("http://x", "k", "", "t", time.Second)
	assert.Error(t, err)
	_, err = NewAirtableClient("http://x", "k", "app", "", time.Second)
	assert.Error(t, err)
}
