package probes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardianhq/guardian/internal/circuitbreaker"
)

func newTestClient() *Client {
	return NewClient("", 8, circuitbreaker.New(5, time.Minute))
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient()
	body, err := c.Get(context.Background(), Endpoint{Name: "p", BaseURL: srv.URL}, "/v1/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body %s", body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Get(context.Background(), Endpoint{Name: "p", BaseURL: srv.URL}, "/v1/x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", got)
	}
}

func TestGetFailsFastWhenCircuitOpen(t *testing.T) {
	breaker := circuitbreaker.New(1, time.Minute)
	breaker.RecordFailure("down") // trips open at threshold 1

	c := NewClient("", 8, breaker)
	_, err := c.Get(context.Background(), Endpoint{Name: "down", BaseURL: "http://127.0.0.1:0"}, "/v1/x", nil)
	if !errors.Is(err, ErrProviderUnhealthy) {
		t.Fatalf("expected ErrProviderUnhealthy, got %v", err)
	}
}

func TestGetUnconfiguredEndpoint(t *testing.T) {
	c := newTestClient()
	_, err := c.Get(context.Background(), Endpoint{Name: "none"}, "/v1/x", nil)
	if !errors.Is(err, ErrProviderNotSet) {
		t.Fatalf("expected ErrProviderNotSet, got %v", err)
	}
}

func TestFailoverUsesFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"from":"fallback"}`))
	}))
	defer fallback.Close()

	c := newTestClient()
	name, body, err := c.GetWithFailover(context.Background(),
		Endpoint{Name: "primary", BaseURL: primary.URL},
		Endpoint{Name: "fallback", BaseURL: fallback.URL},
		"/v1/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if name != "fallback" {
		t.Errorf("expected fallback provider, got %s", name)
	}
	if string(body) != `{"from":"fallback"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestFailoverSkipsFallbackOnCancelledContext(t *testing.T) {
	var fallbackCalls atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
	}))
	defer fallback.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient()
	_, _, err := c.GetWithFailover(ctx,
		Endpoint{Name: "primary", BaseURL: "http://127.0.0.1:0"},
		Endpoint{Name: "fallback", BaseURL: fallback.URL},
		"/v1/x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fallbackCalls.Load(); got != 0 {
		t.Errorf("fallback must not be tried after cancellation, got %d calls", got)
	}
}
