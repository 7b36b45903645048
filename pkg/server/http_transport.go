package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/tilestream/pkg/core"
	"github.com/NERVsystems/tilestream/pkg/monitoring"
)

// HTTPTransportConfig holds configuration for the HTTP transport
type HTTPTransportConfig struct {
	Addr           string  `json:"addr"`
	BaseURL        string  `json:"base_url"`  // advertised in discovery, derived from the request when empty
	AuthType       string  `json:"auth_type"` // none, bearer or basic
	AuthToken      string  `json:"auth_token"`
	SSEEndpoint    string  `json:"sse_endpoint"`
	MsgEndpoint    string  `json:"msg_endpoint"`
	RateLimit      float64 `json:"rate_limit"` // requests per second per IP, 0 disables
	RateBurst      int     `json:"rate_burst"`
	MaxRequestSize int64   `json:"max_request_size"`
	TLSCertFile    string  `json:"tls_cert_file"`
	TLSKeyFile     string  `json:"tls_key_file"`
}

// DefaultHTTPTransportConfig returns the defaults used by the command line.
func DefaultHTTPTransportConfig() HTTPTransportConfig {
	return HTTPTransportConfig{
		Addr:           ":7082",
		AuthType:       core.AuthNone,
		SSEEndpoint:    "/sse",
		MsgEndpoint:    "/message",
		RateLimit:      10,
		RateBurst:      20,
		MaxRequestSize: 1 << 20,
	}
}

// Validate checks the endpoint and authentication settings.
func (c HTTPTransportConfig) Validate() error {
	if c.SSEEndpoint == "" || c.MsgEndpoint == "" || c.SSEEndpoint == c.MsgEndpoint {
		return core.NewError(core.ErrInvalidConfig,
			fmt.Sprintf("SSE endpoint %q and message endpoint %q must be distinct and non-empty", c.SSEEndpoint, c.MsgEndpoint))
	}
	switch c.AuthType {
	case core.AuthNone:
	case core.AuthBearer, core.AuthBasic:
		if c.AuthToken == "" {
			return core.NewError(core.ErrInvalidConfig, c.AuthType+" authentication needs a token").
				WithGuidance("Pass -auth-token, using user:password for basic authentication.")
		}
	default:
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("unknown auth type %q", c.AuthType)).
			WithGuidance("Use none, bearer or basic.")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return core.NewError(core.ErrInvalidConfig, "TLS needs both a certificate and a key file")
	}
	if c.MaxRequestSize <= 0 {
		return core.NewError(core.ErrInvalidConfig, "max request size must be positive")
	}
	return nil
}

// HTTPTransport serves MCP over HTTP+SSE next to health endpoints.
type HTTPTransport struct {
	config        HTTPTransportConfig
	logger        *slog.Logger
	server        *Server
	sseServer     *mcpserver.SSEServer
	mux           *http.ServeMux
	rateLimiter   *RateLimiter
	healthChecker *monitoring.HealthChecker

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewHTTPTransport wraps the MCP server of s.
func NewHTTPTransport(s *Server, config HTTPTransportConfig, logger *slog.Logger) (*HTTPTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	if config.AuthType == core.AuthBearer {
		if err := core.ValidateAuthToken(config.AuthToken); err != nil {
			logger.Warn("weak authentication token", "error", err)
		}
	}

	t := &HTTPTransport{
		config: config,
		logger: logger,
		server: s,
		sseServer: mcpserver.NewSSEServer(
			s.GetMCPServer(),
			mcpserver.WithSSEEndpoint(config.SSEEndpoint),
			mcpserver.WithMessageEndpoint(config.MsgEndpoint),
			mcpserver.WithBaseURL(config.BaseURL),
		),
		mux: http.NewServeMux(),
	}
	if config.RateLimit > 0 {
		t.rateLimiter = NewRateLimiter(rate.Limit(config.RateLimit), max(config.RateBurst, 1))
	}
	t.setupRoutes()
	return t, nil
}

// SetHealthChecker serves /health, /ready and /live from hc.
func (t *HTTPTransport) SetHealthChecker(hc *monitoring.HealthChecker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthChecker = hc
}

func (t *HTTPTransport) setupRoutes() {
	t.mux.HandleFunc("GET /{$}", t.handleServiceDiscovery)
	t.mux.HandleFunc("GET /health", t.healthHandler((*monitoring.HealthChecker).HealthHandler))
	t.mux.HandleFunc("GET /ready", t.healthHandler((*monitoring.HealthChecker).ReadinessHandler))
	t.mux.HandleFunc("GET /live", t.healthHandler((*monitoring.HealthChecker).LivenessHandler))

	t.mux.Handle(t.config.SSEEndpoint, t.protect(t.sseServer.SSEHandler()))
	t.mux.Handle(t.config.MsgEndpoint, t.protect(t.sseServer.MessageHandler()))
}

// protect puts authentication and rate limiting in front of an MCP endpoint.
func (t *HTTPTransport) protect(next http.Handler) http.Handler {
	h := t.authMiddleware(next)
	if t.rateLimiter != nil {
		h = t.rateLimiter.Middleware(h)
	}
	return h
}

// Handler returns the routes wrapped in the middleware chain.
func (t *HTTPTransport) Handler() http.Handler {
	handler := http.Handler(t.mux)
	handler = TracingMiddleware()(handler)
	handler = LoggingMiddleware(t.logger)(handler)
	handler = SecurityHeaders(handler)
	handler = RequestSizeLimiter(t.config.MaxRequestSize)(handler)
	return handler
}

func (t *HTTPTransport) authMiddleware(next http.Handler) http.Handler {
	if t.config.AuthType == core.AuthNone {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var result core.AuthResult
		switch t.config.AuthType {
		case core.AuthBearer:
			result = core.AuthenticateBearer(r.Header.Get("Authorization"), t.config.AuthToken)
		case core.AuthBasic:
			user, password, _ := r.BasicAuth()
			result = core.AuthenticateBasic(user, password, t.config.AuthToken)
		}

		if !result.Authorized {
			t.logger.Warn("authentication failed",
				"remote_addr", clientIP(r),
				"path", r.URL.Path,
				"auth_type", t.config.AuthType,
				"error", result.Error,
				"auth_duration", result.Duration)
			monitoring.RecordError("http", "auth")

			if t.config.AuthType == core.AuthBasic {
				w.Header().Set("WWW-Authenticate", `Basic realm="tilestream"`)
			} else {
				w.Header().Set("WWW-Authenticate", "Bearer")
			}
			writeJSONRPCError(w, http.StatusUnauthorized, -32001, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *HTTPTransport) handleServiceDiscovery(w http.ResponseWriter, r *http.Request) {
	baseURL := t.config.BaseURL
	if baseURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		baseURL = scheme + "://" + r.Host
	}

	discovery := map[string]any{
		"service":   ServerName,
		"transport": "HTTP+SSE",
		"endpoints": map[string]string{
			"sse":     baseURL + t.config.SSEEndpoint,
			"message": baseURL + t.config.MsgEndpoint,
		},
		"tools": t.server.ToolNames(),
		"auth": map[string]any{
			"required": t.config.AuthType != core.AuthNone,
			"type":     t.config.AuthType,
		},
	}
	writeJSON(w, t.logger, http.StatusOK, discovery)
}

// healthHandler delegates to the health checker once one is set.
func (t *HTTPTransport) healthHandler(pick func(*monitoring.HealthChecker) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.mu.Lock()
		hc := t.healthChecker
		t.mu.Unlock()

		if hc != nil {
			pick(hc)(w, r)
			return
		}
		writeJSON(w, t.logger, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// Start listens on the configured address and serves until Shutdown.
func (t *HTTPTransport) Start() error {
	ln, err := net.Listen("tcp", t.config.Addr)
	if err != nil {
		return core.NewError(core.ErrServiceUnavailable, "cannot listen on "+t.config.Addr).WithCause(err)
	}
	return t.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (t *HTTPTransport) Serve(ln net.Listener) error {
	t.mu.Lock()
	if t.httpSrv != nil {
		t.mu.Unlock()
		ln.Close()
		return core.NewError(core.ErrInternalError, "HTTP transport already started").
			WithGuidance("Stop the running transport before starting it again.")
	}
	srv := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	t.httpSrv = srv
	t.mu.Unlock()

	tls := t.config.TLSCertFile != ""
	var err error
	t.logger.Info("starting HTTP transport",
		"addr", ln.Addr().String(),
		"sse_endpoint", t.config.SSEEndpoint,
		"message_endpoint", t.config.MsgEndpoint,
		"auth_type", t.config.AuthType,
		"rate_limit", t.config.RateLimit,
		"tls", tls)

	if tls {
		err = srv.ServeTLS(ln, t.config.TLSCertFile, t.config.TLSKeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes SSE sessions and stops the HTTP server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	srv := t.httpSrv
	t.httpSrv = nil
	t.mu.Unlock()

	if srv == nil {
		return nil
	}
	t.logger.Info("shutting down HTTP transport")

	if err := t.sseServer.Shutdown(ctx); err != nil {
		t.logger.Error("failed to shut down SSE server", "error", err)
	}
	return srv.Shutdown(ctx)
}

// GetConfig returns the transport configuration
func (t *HTTPTransport) GetConfig() HTTPTransportConfig {
	return t.config
}
