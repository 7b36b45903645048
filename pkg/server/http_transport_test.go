package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
)

const testToken = "q7Zr2mX9vK4pL8nW"

func newTestTransport(t *testing.T, mutate func(*HTTPTransportConfig)) *HTTPTransport {
	t.Helper()
	config := DefaultHTTPTransportConfig()
	config.RateLimit = 0
	if mutate != nil {
		mutate(&config)
	}
	transport, err := NewHTTPTransport(newTestServer(t), config, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	return transport
}

func TestHTTPTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*HTTPTransportConfig)
		wantErr bool
	}{
		{"defaults", func(*HTTPTransportConfig) {}, false},
		{"bearer with token", func(c *HTTPTransportConfig) { c.AuthType, c.AuthToken = core.AuthBearer, testToken }, false},
		{"bearer without token", func(c *HTTPTransportConfig) { c.AuthType = core.AuthBearer }, true},
		{"unknown auth", func(c *HTTPTransportConfig) { c.AuthType = "digest" }, true},
		{"same endpoints", func(c *HTTPTransportConfig) { c.MsgEndpoint = c.SSEEndpoint }, true},
		{"cert without key", func(c *HTTPTransportConfig) { c.TLSCertFile = "cert.pem" }, true},
		{"no body limit", func(c *HTTPTransportConfig) { c.MaxRequestSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultHTTPTransportConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !core.HasCode(err, core.ErrInvalidConfig) {
				t.Errorf("Validate() code = %v, want %s", err, core.ErrInvalidConfig)
			}
		})
	}
}

func TestServiceDiscovery(t *testing.T) {
	transport := newTestTransport(t, func(c *HTTPTransportConfig) {
		c.BaseURL = "http://tiles.example"
		c.AuthType, c.AuthToken = core.AuthBearer, testToken
	})

	rec := httptest.NewRecorder()
	transport.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var discovery struct {
		Service   string            `json:"service"`
		Transport string            `json:"transport"`
		Endpoints map[string]string `json:"endpoints"`
		Tools     []string          `json:"tools"`
		Auth      struct {
			Required bool `json:"required"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&discovery); err != nil {
		t.Fatal(err)
	}

	if discovery.Service != ServerName || discovery.Transport != "HTTP+SSE" {
		t.Errorf("discovery = %+v", discovery)
	}
	if got := discovery.Endpoints["sse"]; got != "http://tiles.example/sse" {
		t.Errorf("sse endpoint = %q", got)
	}
	if got := discovery.Endpoints["message"]; got != "http://tiles.example/message" {
		t.Errorf("message endpoint = %q", got)
	}
	if len(discovery.Tools) != len(transport.server.ToolNames()) {
		t.Errorf("discovery lists %d tools, want %d", len(discovery.Tools), len(transport.server.ToolNames()))
	}
	if !discovery.Auth.Required {
		t.Error("discovery should report auth as required")
	}
}

func TestHealthEndpoints(t *testing.T) {
	transport := newTestTransport(t, nil)
	handler := transport.Handler()

	for _, path := range []string{"/health", "/ready", "/live"} {
		t.Run("fallback"+path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s = %d, want 200", path, rec.Code)
			}
		})
	}

	hc := monitoring.NewHealthChecker(ServerName, "test")
	t.Cleanup(hc.Shutdown)
	hc.SetTileStats(func() map[string]int { return map[string]int{"scene": 9} })
	transport.SetHealthChecker(hc)

	t.Run("checker", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /live = %d", rec.Code)
		}
		var live map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&live); err != nil {
			t.Fatal(err)
		}
		if live["alive"] != true || live["uptime"] == nil {
			t.Errorf("liveness = %v, want the health checker's response", live)
		}
	})

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST /health = %d, want 405", rec.Code)
		}
	})
}

func TestAuthentication(t *testing.T) {
	bearer := newTestTransport(t, func(c *HTTPTransportConfig) {
		c.AuthType, c.AuthToken = core.AuthBearer, testToken
	})
	basic := newTestTransport(t, func(c *HTTPTransportConfig) {
		c.AuthType, c.AuthToken = core.AuthBasic, "mapper:"+testToken
	})

	tests := []struct {
		name      string
		transport *HTTPTransport
		prepare   func(*http.Request)
		wantAuth  bool
	}{
		{"bearer missing", bearer, func(*http.Request) {}, false},
		{"bearer wrong", bearer, func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
		{"bearer valid", bearer, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testToken) }, true},
		{"basic wrong", basic, func(r *http.Request) { r.SetBasicAuth("mapper", "nope") }, false},
		{"basic valid", basic, func(r *http.Request) { r.SetBasicAuth("mapper", testToken) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/message",
				strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
			tt.prepare(req)
			rec := httptest.NewRecorder()
			tt.transport.Handler().ServeHTTP(rec, req)

			authorized := rec.Code != http.StatusUnauthorized
			if authorized != tt.wantAuth {
				t.Fatalf("status = %d, want authorized=%v", rec.Code, tt.wantAuth)
			}
			if !tt.wantAuth && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}

	t.Run("health stays open", func(t *testing.T) {
		rec := httptest.NewRecorder()
		bearer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET /health = %d, want 200 without credentials", rec.Code)
		}
	})
}

func TestMCPEndpointsRateLimited(t *testing.T) {
	transport := newTestTransport(t, func(c *HTTPTransportConfig) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	handler := transport.Handler()

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{}`))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("10.0.0.1:4000"); code == http.StatusTooManyRequests {
		t.Fatal("first request was rate limited")
	}
	if code := send("10.0.0.1:4001"); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	if code := send("10.0.0.2:4000"); code == http.StatusTooManyRequests {
		t.Error("another client was rate limited")
	}

	// health checks are never limited
	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/live", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /live = %d", rec.Code)
		}
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	transport := newTestTransport(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	transport.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent over plain HTTP: %q", got)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want the client's id", got)
	}
}

func TestServeAndShutdown(t *testing.T) {
	transport := newTestTransport(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- transport.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/live"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /live = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Serve() = %v, want nil after shutdown", err)
	}
	if err := transport.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}
