package osm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestSetAndGetMonitoringHooks(t *testing.T) {
	SetMonitoringHooks(nil)
	if getMonitoringHooks() != nil {
		t.Fatal("expected hooks to be cleared")
	}

	var requestCalled bool
	SetMonitoringHooks(&MonitoringHooks{
		OnRequest: func(service, operation string) {
			requestCalled = true
		},
	})
	defer SetMonitoringHooks(nil)

	retrieved := getMonitoringHooks()
	if retrieved == nil || retrieved.OnRequest == nil {
		t.Fatal("expected hooks to be set")
	}
	retrieved.OnRequest("test", "test")
	if !requestCalled {
		t.Error("OnRequest should have been called")
	}
}

// hookRecorder captures hook calls; the transport may call from any goroutine.
type hookRecorder struct {
	mu        sync.Mutex
	requests  []string
	successes []bool
	errors    []string
	waits     []time.Duration
}

func (r *hookRecorder) hooks() *MonitoringHooks {
	return &MonitoringHooks{
		OnRequest: func(service, operation string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.requests = append(r.requests, service+" "+operation)
		},
		OnResponse: func(service, operation string, duration time.Duration, success bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes = append(r.successes, success)
		},
		OnRateLimit: func(service string, waitTime time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.waits = append(r.waits, waitTime)
		},
		OnError: func(service, errorType string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, errorType)
		},
	}
}

func newTransport(base http.RoundTripper, rps float64) *limitedTransport {
	c := NewClient(WithRateLimit(rps, 1), WithHTTPClient(&http.Client{Transport: base}))
	return c.httpClient.Transport.(*limitedTransport)
}

func TestLimitedTransportSuccess(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rec := &hookRecorder{}
	SetMonitoringHooks(rec.hooks())
	defer SetMonitoringHooks(nil)

	client := &http.Client{Transport: newTransport(http.DefaultTransport, 100)}
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if gotUA != DefaultUserAgent {
		t.Errorf("expected User-Agent %q, got %q", DefaultUserAgent, gotUA)
	}
	if req.Header.Get("User-Agent") != "" {
		t.Error("transport must not modify the caller's request")
	}
	if len(rec.requests) != 1 || rec.requests[0] != "overpass GET" {
		t.Errorf("unexpected request hooks: %v", rec.requests)
	}
	if len(rec.successes) != 1 || !rec.successes[0] {
		t.Errorf("expected one successful response, got %v", rec.successes)
	}
}

func TestLimitedTransportHTTPErrorIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rec := &hookRecorder{}
	SetMonitoringHooks(rec.hooks())
	defer SetMonitoringHooks(nil)

	client := &http.Client{Transport: newTransport(http.DefaultTransport, 100)}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if len(rec.successes) != 1 || rec.successes[0] {
		t.Errorf("expected one unsuccessful response, got %v", rec.successes)
	}
	if len(rec.errors) != 0 {
		t.Errorf("OnError should not fire for HTTP error status, got %v", rec.errors)
	}
}

func TestLimitedTransportNetworkError(t *testing.T) {
	rec := &hookRecorder{}
	SetMonitoringHooks(rec.hooks())
	defer SetMonitoringHooks(nil)

	client := &http.Client{Transport: newTransport(http.DefaultTransport, 100)}
	if _, err := client.Get("http://127.0.0.1:1"); err == nil {
		t.Fatal("expected network error")
	}

	if len(rec.errors) != 1 || rec.errors[0] != "request_error" {
		t.Errorf("expected request_error, got %v", rec.errors)
	}
}

func TestLimitedTransportRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rec := &hookRecorder{}
	SetMonitoringHooks(rec.hooks())
	defer SetMonitoringHooks(nil)

	client := &http.Client{Transport: newTransport(http.DefaultTransport, 4)}
	for i := 0; i < 2; i++ {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
	}

	if len(rec.waits) != 1 {
		t.Fatalf("expected the second request to wait, got %v", rec.waits)
	}
	if rec.waits[0] <= rateLimitReportThreshold {
		t.Errorf("wait %v should exceed %v", rec.waits[0], rateLimitReportThreshold)
	}
}

func TestLimitedTransportCancelledWait(t *testing.T) {
	rec := &hookRecorder{}
	SetMonitoringHooks(rec.hooks())
	defer SetMonitoringHooks(nil)

	tr := newTransport(http.DefaultTransport, 0.01)
	tr.limiter.Allow() // drain the burst

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1", nil)
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("expected cancelled wait to fail")
	}
	if len(rec.errors) != 1 || rec.errors[0] != "rate_limit_wait_error" {
		t.Errorf("expected rate_limit_wait_error, got %v", rec.errors)
	}
}

func BenchmarkLimitedTransport(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	SetMonitoringHooks(&MonitoringHooks{
		OnRequest:  func(service, operation string) {},
		OnResponse: func(service, operation string, duration time.Duration, success bool) {},
	})
	defer SetMonitoringHooks(nil)

	client := &http.Client{Transport: newTransport(http.DefaultTransport, 1e9)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := client.Get(server.URL)
		if err == nil {
			resp.Body.Close()
		}
	}
}
