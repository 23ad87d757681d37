package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := NewBase(Config{Name: "test", URL: srv.URL + "/"}, nil, nil)
	assert.Equal(t, srv.URL, b.URL())

	body, err := b.PostJSON(context.Background(), "m", b.URL()+"/x", map[string]string{"a": "b"}, map[string]string{"X-Key": "secret"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestPostJSONVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	b := NewBase(Config{Name: "test"}, nil, nil)
	_, err := b.PostJSON(context.Background(), "m", srv.URL, struct{}{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVendorExecution)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, http.StatusBadRequest, ee.StatusCode)
	assert.Equal(t, "bad model", ee.Message)
	assert.Contains(t, ee.Error(), "status 400")
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBase(Config{Name: "flaky"}, nil, nil)
	for range 5 {
		_, err := b.PostJSON(context.Background(), "m", srv.URL, struct{}{}, nil)
		assert.ErrorIs(t, err, ErrVendorExecution)
	}
	assert.Equal(t, gobreaker.StateOpen, b.BreakerState())

	_, err := b.PostJSON(context.Background(), "m", srv.URL, struct{}{}, nil)
	assert.ErrorIs(t, err, ErrVendorExecution)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), hits.Load())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBase(Config{Name: "auth"}, nil, nil)
	for range 10 {
		_, _ = b.PostJSON(context.Background(), "m", srv.URL, struct{}{}, nil)
	}
	assert.Equal(t, gobreaker.StateClosed, b.BreakerState())
}

func TestPostJSONHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	b := NewBase(Config{Name: "slow"}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.PostJSON(ctx, "m", srv.URL, struct{}{}, nil)
	assert.ErrorIs(t, err, ErrVendorExecution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
