// Package broker talks to the external brokerage REST API: OAuth handshake,
// token refresh, and portfolio data fetches. Every failure is classified
// into a Kind so callers can choose between retry, reauth, and surfacing.
package broker

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a broker API failure. The rest of the system hangs its
// retry-vs-reauth decisions off this value.
type Kind string

const (
	KindInvalidToken Kind = "invalid_token"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindNetwork      Kind = "network"
	KindUnknown      Kind = "unknown"
)

// StateTTL is how long an OAuth anti-CSRF state token stays valid. The
// layer persisting states enforces it; it is surfaced here so both sides
// agree on the number.
const StateTTL = 5 * time.Minute

// ErrExchangeFailed marks a failed one-time code exchange. The broker
// invalidates request codes on first use, so this is terminal for the
// attempt: the caller must restart the interactive flow, never retry.
var ErrExchangeFailed = errors.New("one-time code exchange failed")

// APIError is a classified failure from the broker API.
type APIError struct {
	Kind       Kind
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("broker api error (%s/%d %s): %s", e.Kind, e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("broker api error (%s/%d): %s", e.Kind, e.StatusCode, e.Message)
}

// Classify extracts the failure kind from any error returned by this
// package. Unrecognized errors count as network when they look transport
// shaped, unknown otherwise.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsAuthKind reports whether the kind demands reauthentication rather than
// a retry. Rate limits and network blips must never set the reauth flag.
func IsAuthKind(k Kind) bool {
	return k == KindInvalidToken || k == KindUnauthorized
}

// Session is the token material returned by the broker on exchange or
// refresh. RefreshToken may be empty: the broker does not always rotate it.
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64 // seconds; defaulted when the broker omits it
	BrokerUserID string
	UserName     string
}

// Profile is the lightweight identity payload used as a liveness probe.
type Profile struct {
	BrokerUserID string
	UserName     string
	Email        string
	Broker       string
}
