package core

import (
	"crypto/subtle"
	"strings"
	"time"
)

// Authentication schemes accepted by the HTTP transport.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// minAuthDelay pads every authentication attempt so that failures and
// successes take the same time.
const minAuthDelay = time.Millisecond

var weakTokenParts = []string{
	"password", "secret", "token", "admin", "test", "default", "12345",
}

// SecureCompareString compares a and b in constant time.
func SecureCompareString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidateAuthToken rejects empty, short and guessable tokens.
func ValidateAuthToken(token string) error {
	if token == "" {
		return NewError(ErrInvalidConfig, "authentication token is empty").
			WithGuidance("Set -auth-token or disable authentication with -auth-type none.")
	}
	if len(token) < 16 {
		return NewError(ErrInvalidConfig, "authentication token is shorter than 16 characters").
			WithGuidance("Use a randomly generated token of at least 16 characters.")
	}

	lower := strings.ToLower(token)
	for _, weak := range weakTokenParts {
		if strings.Contains(lower, weak) {
			return NewError(ErrInvalidConfig, "authentication token appears to be weak").
				WithGuidance("Use a randomly generated token.")
		}
	}
	return nil
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Authorized bool
	Error      string
	Duration   time.Duration
}

func authResult(start time.Time, reason string) AuthResult {
	if d := time.Since(start); d < minAuthDelay {
		time.Sleep(minAuthDelay - d)
	}
	return AuthResult{
		Authorized: reason == "",
		Error:      reason,
		Duration:   time.Since(start),
	}
}

// AuthenticateBearer checks an "Authorization: Bearer <token>" header.
func AuthenticateBearer(authHeader, expectedToken string) AuthResult {
	start := time.Now()

	if authHeader == "" {
		return authResult(start, "Missing Authorization header")
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || scheme != "Bearer" {
		return authResult(start, "Invalid Authorization header format")
	}
	if !SecureCompareString(token, expectedToken) {
		return authResult(start, "Invalid bearer token")
	}
	return authResult(start, "")
}

// AuthenticateBasic checks basic auth credentials against "user:password".
func AuthenticateBasic(username, password, expectedCredentials string) AuthResult {
	start := time.Now()

	if username == "" || password == "" {
		return authResult(start, "Missing basic auth credentials")
	}
	if !SecureCompareString(username+":"+password, expectedCredentials) {
		return authResult(start, "Invalid basic auth credentials")
	}
	return authResult(start, "")
}
