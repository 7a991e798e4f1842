package stbclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pscheid92/stbsettings/internal/domain"
	"github.com/pscheid92/stbsettings/internal/platform/correlation"
	"github.com/pscheid92/stbsettings/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   time.Millisecond,
	MaxBackoff:       5 * time.Millisecond,
	ThrottledBackoff: time.Millisecond,
	OnRetry:          func(int, error, time.Duration) {},
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL+"/", WithHTTPClient(ts.Client()), WithRetryPolicy(fastPolicy))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stb/new-session", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var params []domain.Parameter
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Len(t, params, 1)
		assert.Equal(t, "volume", params[0].Name)

		writeJSON(w, http.StatusOK, domain.Identity{Key: "k", Secret: "s"})
	})

	id, err := c.NewSession(context.Background(), []domain.Parameter{{Name: "volume", Type: domain.TypeBool, Value: true}})

	require.NoError(t, err)
	assert.Equal(t, domain.Identity{Key: "k", Secret: "s"}, id)
}

func TestNewSession_RetriesWhenFull(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "full", "type": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, domain.Identity{Key: "k", Secret: "s"})
	})

	id, err := c.NewSession(context.Background(), []domain.Parameter{{Name: "a", Type: domain.TypeString}})

	require.NoError(t, err)
	assert.Equal(t, "k", id.Key)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewSession_MalformedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed schema", "type": "validation"})
	})

	_, err := c.NewSession(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "validation", se.Type)
	assert.Equal(t, "malformed schema", se.Message)
}

func TestNewSession_TransportErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		if !assert.True(t, ok) {
			return
		}
		conn, _, err := hj.Hijack()
		if assert.NoError(t, err) {
			_ = conn.Close()
		}
	})

	_, err := c.NewSession(context.Background(), []domain.Parameter{{Name: "a", Type: domain.TypeString}})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewSession_KeepsLargeIntegersExact(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"value":9007199254740993`)
		writeJSON(w, http.StatusOK, domain.Identity{Key: "k", Secret: "s"})
	})

	_, err := c.NewSession(context.Background(), []domain.Parameter{{Name: "n", Type: domain.TypeInteger, Value: int64(9007199254740993)}})

	require.NoError(t, err)
}

func TestPoll_DecodesIntegersExactly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"changed","revision":1,"values":[{"name":"n","type":"integer","value":9007199254740993,"min":0,"max":9223372036854775807}]}`))
	})

	res, err := c.Poll(context.Background(), "s-1", 0)

	require.NoError(t, err)
	require.Len(t, res.Values, 1)
	assert.Equal(t, json.Number("9007199254740993"), res.Values[0].Value)
}

func TestPoll(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stb/poll", r.URL.Path)
		assert.Equal(t, "s-1", r.URL.Query().Get("sid"))
		if r.URL.Query().Get("revision") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{"status": "unchanged", "revision": 2})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "changed",
			"revision": 2,
			"values":   []map[string]any{{"name": "a", "type": "string", "value": "x"}},
		})
	})

	res, err := c.Poll(context.Background(), "s-1", 0)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, uint64(2), res.Revision)
	require.Len(t, res.Values, 1)
	assert.Equal(t, "x", res.Values[0].Value)

	res, err = c.Poll(context.Background(), "s-1", 2)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Values)
}

func TestPoll_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found", "type": "not_found"})
	})

	_, err := c.Poll(context.Background(), "gone", 0)

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAcknowledge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/stb/ack", r.URL.Path)
		status := "ignored"
		if r.URL.Query().Get("revision") == "3" {
			status = "erased"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "revision": 3})
	})

	erased, rev, err := c.Acknowledge(context.Background(), "s-1", 3)
	require.NoError(t, err)
	assert.True(t, erased)
	assert.Equal(t, uint64(3), rev)

	erased, _, err = c.Acknowledge(context.Background(), "s-1", 2)
	require.NoError(t, err)
	assert.False(t, erased)
}

func TestEndSession_ForwardsCorrelationID(t *testing.T) {
	var gotID, gotSid string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(correlation.Header)
		gotSid = r.URL.Query().Get("sid")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	ctx := correlation.WithID(context.Background(), "abc123")
	require.NoError(t, c.EndSession(ctx, "s-7"))

	assert.Equal(t, "abc123", gotID)
	assert.Equal(t, "s-7", gotSid)
}

func TestStatusError_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Retry-After", "5")
	rec.WriteHeader(http.StatusServiceUnavailable)

	se := statusError(rec.Result())

	assert.Equal(t, 5*time.Second, se.RetryAfter())
	assert.ErrorIs(t, se, domain.ErrCapacityExceeded)
	assert.Equal(t, "server returned 503", se.Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Action
	}{
		{"capacity", &StatusError{Code: http.StatusServiceUnavailable}, retry.After},
		{"rate limited", &StatusError{Code: http.StatusTooManyRequests}, retry.After},
		{"server error", &StatusError{Code: http.StatusInternalServerError}, retry.Retry},
		{"not found", &StatusError{Code: http.StatusNotFound}, retry.Stop},
		{"bad request", &StatusError{Code: http.StatusBadRequest}, retry.Stop},
		{"network", errors.New("connection refused"), retry.Retry},
		{"cancelled", context.Canceled, retry.Stop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestClassifyCreate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Action
	}{
		{"capacity", &StatusError{Code: http.StatusServiceUnavailable}, retry.After},
		{"rate limited", &StatusError{Code: http.StatusTooManyRequests}, retry.After},
		{"server error", &StatusError{Code: http.StatusInternalServerError}, retry.Stop},
		{"network", errors.New("connection reset"), retry.Stop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCreate(tt.err))
		})
	}
}
