// Package handler implements the per-request state machine of
// spec.md §4.7 — C7 — that turns a downstream request into a
// forwarded upstream request, and an upstream response into a
// downstream response, applying header rewrites, load-balancer
// selection, cache tee-ing, and protocol upgrades along the way.
//
// Grounded on original_source/rpxy-lib/src/handler/handler_main.rs for
// the overall step ordering, utils_headers.rs for the header-rewrite
// helpers, utils_request.rs for host parsing and version adjustment,
// and utils_synth_response.rs for synthetic error/redirect responses.
package handler

import "net/http"

// Kind is the internal error taxonomy of spec.md §7, each mapping to
// a fixed synthetic HTTP status with an empty body.
type Kind int

const (
	KindUnsupportedMethod Kind = iota
	KindNoHostInRequest
	KindInvalidHostInRequest
	KindSniHostInconsistency
	KindNoMatchingBackendApp
	KindNoUpstreamCandidates
	KindFailedToUpgrade
	KindFailedToGenerateUpstreamRequest
	KindFailedToGetResponseFromBackend
	KindFailedToGenerateDownstreamResponse
	KindFailedToRedirect
)

// Status returns the HTTP status code spec.md §7 assigns to k.
func (k Kind) Status() int {
	switch k {
	case KindUnsupportedMethod:
		return http.StatusBadRequest
	case KindNoHostInRequest:
		return http.StatusBadRequest
	case KindInvalidHostInRequest:
		return http.StatusBadRequest
	case KindSniHostInconsistency:
		return http.StatusMisdirectedRequest
	case KindNoMatchingBackendApp:
		return http.StatusServiceUnavailable
	case KindNoUpstreamCandidates:
		return http.StatusNotFound
	case KindFailedToUpgrade:
		return http.StatusInternalServerError
	case KindFailedToGenerateUpstreamRequest:
		return http.StatusInternalServerError
	case KindFailedToGetResponseFromBackend:
		return http.StatusInternalServerError
	case KindFailedToGenerateDownstreamResponse:
		return http.StatusInternalServerError
	case KindFailedToRedirect:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// String names k for logging, matching the taxonomy names in spec.md §7.
func (k Kind) String() string {
	switch k {
	case KindUnsupportedMethod:
		return "UnsupportedMethod"
	case KindNoHostInRequest:
		return "NoHostInRequest"
	case KindInvalidHostInRequest:
		return "InvalidHostInRequest"
	case KindSniHostInconsistency:
		return "SniHostInconsistency"
	case KindNoMatchingBackendApp:
		return "NoMatchingBackendApp"
	case KindNoUpstreamCandidates:
		return "NoUpstreamCandidates"
	case KindFailedToUpgrade:
		return "FailedToUpgrade"
	case KindFailedToGenerateUpstreamRequest:
		return "FailedToGenerateUpstreamRequest"
	case KindFailedToGetResponseFromBackend:
		return "FailedToGetResponseFromBackend"
	case KindFailedToGenerateDownstreamResponse:
		return "FailedToGenerateDownstreamResponse"
	case KindFailedToRedirect:
		return "FailedToRedirect"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with an optional underlying cause, for logging.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(k Kind, cause error) *Error {
	return &Error{Kind: k, Cause: cause}
}

// httpError builds the synthetic, empty-body response for k
// (utils_synth_response.rs's http_error).
func httpError(k Kind) *http.Response {
	return &http.Response{
		StatusCode: k.Status(),
		Status:     http.StatusText(k.Status()),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       http.NoBody,
	}
}
