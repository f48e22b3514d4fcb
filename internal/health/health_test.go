package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestLiveEndpoint_OK(t *testing.T) {
	h := New()
	h.AddLivenessCheck("noop", time.Second, func(context.Context) error { return nil })

	w := get(h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReadyEndpoint_NotReadyUntilSet(t *testing.T) {
	h := New()

	w := get(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"node":"not ready"}}`, w.Body.String())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, get(h.ReadyEndpoint).Code)
}

func TestCheck_FailureThreshold(t *testing.T) {
	h := New()
	h.SetReady(true)
	broken := true
	h.AddReadinessCheck("postgres", time.Second, func(context.Context) error {
		if broken {
			return errors.New("connection refused")
		}
		return nil
	})
	c := h.readiness[0]
	ctx := context.Background()

	c.run(ctx)
	c.run(ctx)
	assert.Equal(t, http.StatusOK, get(h.ReadyEndpoint).Code)

	c.run(ctx)
	w := get(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"postgres":"connection refused"}}`, w.Body.String())

	broken = false
	c.run(ctx)
	assert.Equal(t, http.StatusOK, get(h.ReadyEndpoint).Code)
}

func TestCheck_Timeout(t *testing.T) {
	h := New()
	h.AddLivenessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	for range failureThreshold {
		h.liveness[0].run(context.Background())
	}

	w := get(h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "deadline exceeded")
}

func TestStart_RunsChecks(t *testing.T) {
	h := New()
	calls := make(chan struct{}, 10)
	h.AddReadinessCheck("tick", time.Second, func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	defer h.Stop()

	for range 2 {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("check was not run")
		}
	}
	h.Stop()
	h.Stop()
}

func TestBacklogCheck(t *testing.T) {
	var n int64
	check := BacklogCheck(func(context.Context) (int64, error) { return n, nil }, 10)

	require.NoError(t, check(context.Background()))
	n = 11
	require.ErrorContains(t, check(context.Background()), "backlog 11 exceeds 10")

	failing := BacklogCheck(func(context.Context) (int64, error) { return 0, errors.New("db down") }, 10)
	require.Error(t, failing(context.Background()))
}
