package freightlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitSendsForecastAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/forecasts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var f Forecast
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f))
		assert.Equal(t, "APAC", f.Region)
		assert.Len(t, f.DeviceForecasts, 1)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1", "status": "queued"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	task, err := c.Submit(context.Background(), Forecast{
		Region:         "APAC",
		ForecastPeriod: "2024-Q1",
		DeviceForecasts: []DeviceForecast{
			{Model: "Latitude 7440", Quantity: 10, Destination: "Singapore"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.False(t, task.Terminal())
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1", "status": status})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := New(srv.URL).Wait(ctx, "t1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", task.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1", "status": "processing"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	task, err := New(srv.URL).Wait(ctx, "t1", 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "processing", task.Status)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_ready","message":"task t1 is processing"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Routes(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, IsNotReady(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "task t1 is processing", apiErr.Message)
}

func TestApproveAndReject(t *testing.T) {
	var got []bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/routes/r1/approve", r.URL.Path)
		var body struct {
			Approved bool `json:"approved"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body.Approved)
		status := "rejected"
		if body.Approved {
			status = "approved"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task_id": "t1",
			"route":   map[string]any{"id": "r1"},
			"review":  map[string]any{"status": status, "actor_id": "anonymous"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	rec, err := c.Approve(context.Background(), "r1", true, "ok")
	require.NoError(t, err)
	require.NotNil(t, rec.Review)
	assert.Equal(t, "approved", rec.Review.Status)

	rec, err = c.Approve(context.Background(), "r1", false, "")
	require.NoError(t, err)
	assert.Equal(t, "rejected", rec.Review.Status)
	assert.Equal(t, []bool{true, false}, got)
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "12", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": 13, "type": "task.created"}},
			"next_cursor": "13",
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 5, "12")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "13", page.NextCursor)
}
