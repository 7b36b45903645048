package osm

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MonitoringHooks defines hooks for monitoring HTTP requests
type MonitoringHooks struct {
	// OnRequest is called before making an HTTP request
	OnRequest func(service, operation string)

	// OnResponse is called after receiving an HTTP response
	OnResponse func(service, operation string, duration time.Duration, success bool)

	// OnRateLimit is called when a request had to wait for the limiter
	OnRateLimit func(service string, waitTime time.Duration)

	// OnError is called when an error occurs
	OnError func(service, errorType string)
}

var (
	globalHooks *MonitoringHooks
	hooksMutex  sync.RWMutex
)

// SetMonitoringHooks sets global monitoring hooks
func SetMonitoringHooks(hooks *MonitoringHooks) {
	hooksMutex.Lock()
	defer hooksMutex.Unlock()
	globalHooks = hooks
}

func getMonitoringHooks() *MonitoringHooks {
	hooksMutex.RLock()
	defer hooksMutex.RUnlock()
	return globalHooks
}

// rateLimitReportThreshold is the shortest limiter wait reported to hooks.
const rateLimitReportThreshold = 100 * time.Millisecond

// limitedTransport applies the rate limit, the User-Agent header and the
// monitoring hooks to every attempt, retries included.
type limitedTransport struct {
	base      http.RoundTripper
	limiter   *rate.Limiter
	service   string
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	operation := req.Method
	hooks := getMonitoringHooks()

	if hooks != nil && hooks.OnRequest != nil {
		hooks.OnRequest(t.service, operation)
	}

	waited, err := waitForRateLimit(ctx, t.limiter, t.service)
	if err != nil {
		if hooks != nil && hooks.OnError != nil {
			hooks.OnError(t.service, "rate_limit_wait_error")
		}
		return nil, err
	}
	if waited > rateLimitReportThreshold && hooks != nil && hooks.OnRateLimit != nil {
		hooks.OnRateLimit(t.service, waited)
	}

	out := req.Clone(ctx)
	out.Header.Set("User-Agent", t.userAgent)

	start := time.Now()
	resp, err := t.base.RoundTrip(out)
	duration := time.Since(start)

	success := err == nil && resp.StatusCode < 400
	if hooks != nil && hooks.OnResponse != nil {
		hooks.OnResponse(t.service, operation, duration, success)
	}
	if err != nil && hooks != nil && hooks.OnError != nil {
		hooks.OnError(t.service, "request_error")
	}
	return resp, err
}
