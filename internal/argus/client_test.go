package argus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string, attempts int) *Client {
	return New(Config{
		BaseURL:    url,
		Token:      "test-token",
		Attempts:   attempts,
		Timeout:    time.Second,
		RetryDelay: time.Millisecond,
	}, nil)
}

func TestFetchStatusSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"code":0,"data":{"description":"ONLINE","seconds_in_status":42,"updated_at":"2026-08-27T10:00:00Z"}}`))
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL, 3).FetchStatus(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if status == nil || status.Description != "ONLINE" || status.DurationSeconds != 42 {
		t.Fatalf("status = %+v", status)
	}
}

func TestFetchStatusEmbeddedNonSuccessIsNilNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"code":12,"message":"unknown operator"}`))
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL, 3).FetchStatus(context.Background(), "op-x")
	if err != nil || status != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", status, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream called %d times, want 1", calls.Load())
	}
}

func TestFetchStatus400NotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL, 3).FetchStatus(context.Background(), "bad id")
	if err != nil || status != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", status, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream called %d times, want 1", calls.Load())
	}
}

func TestFetchStatus5xxRetriedThenError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL, 3).FetchStatus(context.Background(), "op-1")
	if status != nil {
		t.Fatalf("status = %+v, want nil", status)
	}
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream called %d times, want 3", calls.Load())
	}
}

func TestFetchStatusRecoversMidRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"code":0,"data":{"description":"PAUSED","seconds_in_status":5}}`))
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL, 3).FetchStatus(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if status == nil || status.Description != "PAUSED" {
		t.Fatalf("status = %+v", status)
	}
}

func TestForbiddenLatchesAllFutureCalls(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	if status, err := c.FetchStatus(context.Background(), "op-1"); status != nil || err != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", status, err)
	}
	if !c.AuthLatched() {
		t.Fatal("latch not set after 403")
	}
	before := calls.Load()

	// Subsequent calls short-circuit with zero network traffic.
	if status, err := c.FetchStatus(context.Background(), "op-2"); status != nil || err != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", status, err)
	}
	if calls.Load() != before {
		t.Fatalf("latched client made %d extra calls", calls.Load()-before)
	}

	c.ResetAuth()
	if c.AuthLatched() {
		t.Fatal("latch survived ResetAuth")
	}
	c.FetchStatus(context.Background(), "op-3")
	if calls.Load() == before {
		t.Fatal("reset client made no network call")
	}
}

func TestTimeoutTreatedAsTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:    srv.URL,
		Token:      "t",
		Attempts:   2,
		Timeout:    20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	}, nil)

	status, err := c.FetchStatus(context.Background(), "op-1")
	if status != nil {
		t.Fatalf("status = %+v, want nil", status)
	}
	if err == nil {
		t.Fatal("expected error after timeouts")
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream called %d times, want 2 (timeout retried like a network error)", calls.Load())
	}
}
