// Package errclass maps an upstream failure (transport error or HTTP
// status) to the action the key registry and valid key pool should
// take. It is a pure function over its inputs: no shared state, no
// I/O, no locking.
package errclass

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Kind buckets an upstream failure into one of a small number of
// categories, used for logging and for the stream retry engine's
// decision of whether a failure is worth retrying at all.
type Kind int

const (
	// KindNone means the call succeeded; no action is taken.
	KindNone Kind = iota
	// KindAuth is an authentication/authorization failure (401/403):
	// the credential itself is bad.
	KindAuth
	// KindQuota is a quota/rate-limit failure (429): the credential is
	// fine but temporarily exhausted for this model.
	KindQuota
	// KindInvalidRequest is a client-shaped error (400) not caused by
	// the credential; retrying with a different key won't help.
	KindInvalidRequest
	// KindUpstreamUnavailable is a transport-level failure with no HTTP
	// status at all (e.g. a dial failure): likely transient, safe to
	// retry with the same or another key.
	KindUpstreamUnavailable
	// KindTimeout is HTTP 408: the upstream took too long on this
	// attempt. Not the credential's fault.
	KindTimeout
	// KindServerError is HTTP 500/502/504: an upstream-side fault, not
	// the credential's fault.
	KindServerError
	// KindServiceUnavailable is HTTP 503: the upstream is overloaded or
	// draining, not the credential's fault.
	KindServiceUnavailable
	// KindCanceled is a context cancellation/deadline from our own
	// caller, never counted as a credential failure.
	KindCanceled
	// KindUnknown is anything not otherwise classified.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindTimeout:
		return "timeout"
	case KindServerError:
		return "server_error"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KeyAction is the instruction the caller should carry out against
// the key registry / valid key pool as a result of classifying one
// failure.
type KeyAction int

const (
	// ActionNone leaves the credential's state untouched.
	ActionNone KeyAction = iota
	// ActionIncrementAndMaybeEvict increments the credential's failure
	// count, evicting it from the valid set once the threshold is hit.
	ActionIncrementAndMaybeEvict
	// ActionEvictImmediately removes the credential from the valid set
	// and the pool on the spot, regardless of failure count.
	ActionEvictImmediately
	// ActionCoolDownModel marks the credential as temporarily unusable
	// for the specific model until the next quota-reset instant.
	ActionCoolDownModel
	// ActionDecrementAndEvict soft-evicts the credential from the pool
	// only, leaving the registry's failCount and valid[] membership
	// untouched. Used for upstream-side faults (timeouts, 5xx) that
	// aren't the credential's fault and must never burn down its
	// failure budget.
	ActionDecrementAndEvict
	// ActionResetFailures clears the credential's failure count (used
	// after an upstream call that the classifier treats as a success
	// signal distinct from the primary response, e.g. a successful
	// verification probe).
	ActionResetFailures
)

// Verdict is the result of classifying one upstream outcome.
type Verdict struct {
	Kind   Kind
	Action KeyAction
	// Retryable reports whether the caller should attempt the request
	// again (with the action above already applied to the credential).
	Retryable bool
}

// Classify inspects a transport error and/or HTTP status code and
// returns the Verdict describing how the registry/pool should react.
// err may be nil when statusCode alone is conclusive; statusCode may
// be 0 when only a transport error is available (e.g. a dial failure
// before any response was read).
//
// Rules are evaluated in order; the first match wins. This mirrors
// the ordered dispatch table a human would write by hand for this
// kind of error taxonomy: cancellation first (never a credential's
// fault), then auth, then quota, then client errors, then upstream
// faults (timeout/5xx, soft pool eviction only, never the registry's
// failCount), then the catch-all "unknown" bucket for everything else.
func Classify(statusCode int, err error) Verdict {
	if err != nil && isContextDone(err) {
		return Verdict{Kind: KindCanceled, Action: ActionNone, Retryable: false}
	}

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return Verdict{Kind: KindAuth, Action: ActionEvictImmediately, Retryable: true}

	case statusCode == http.StatusTooManyRequests:
		return Verdict{Kind: KindQuota, Action: ActionCoolDownModel, Retryable: true}

	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return Verdict{Kind: KindInvalidRequest, Action: ActionNone, Retryable: false}

	case statusCode == http.StatusNotFound:
		return Verdict{Kind: KindInvalidRequest, Action: ActionNone, Retryable: false}

	case statusCode == http.StatusRequestEntityTooLarge:
		return Verdict{Kind: KindInvalidRequest, Action: ActionNone, Retryable: false}

	case statusCode == http.StatusRequestTimeout:
		return Verdict{Kind: KindTimeout, Action: ActionDecrementAndEvict, Retryable: true}

	case statusCode == http.StatusInternalServerError, statusCode == http.StatusBadGateway, statusCode == http.StatusGatewayTimeout:
		return Verdict{Kind: KindServerError, Action: ActionDecrementAndEvict, Retryable: true}

	case statusCode == http.StatusServiceUnavailable:
		return Verdict{Kind: KindServiceUnavailable, Action: ActionDecrementAndEvict, Retryable: true}

	case statusCode == 0 && err != nil:
		return Verdict{Kind: KindUpstreamUnavailable, Action: ActionIncrementAndMaybeEvict, Retryable: true}

	case statusCode >= 200 && statusCode < 300:
		return Verdict{Kind: KindNone, Action: ActionNone, Retryable: false}

	default:
		return Verdict{Kind: KindUnknown, Action: ActionIncrementAndMaybeEvict, Retryable: true}
	}
}

// ClassifyMessage applies an additional pass over the upstream's error
// body text for cases the status code alone can't disambiguate — most
// notably Gemini's habit of returning 400 for both malformed requests
// and for "this key has no access to this model" style authorization
// problems. Pass the raw error/response body text; an empty string is
// a no-op fallthrough to the status-only verdict.
func ClassifyMessage(statusCode int, body string) Verdict {
	v := Classify(statusCode, nil)

	if statusCode == http.StatusBadRequest && body != "" {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "api key not valid") || strings.Contains(lower, "permission denied") {
			return Verdict{Kind: KindAuth, Action: ActionEvictImmediately, Retryable: true}
		}
	}

	return v
}

func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
