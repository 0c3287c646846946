// Package apperr holds the error taxonomy shared by the LTI handshake, the
// Blackboard client and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// startup only; never produced while serving requests
	ErrConfiguration = errors.New("configuration error")

	ErrInvalidRequest = errors.New("invalid request")

	// login flow; callers must not tell these apart in responses
	ErrStateMismatch    = errors.New("state mismatch")
	ErrNonceMismatch    = errors.New("nonce mismatch")
	ErrAssertionInvalid = errors.New("assertion invalid")

	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNotFound            = errors.New("not found")

	// LMS API
	ErrUpstreamAuth       = errors.New("upstream auth error")
	ErrUpstreamRead       = errors.New("upstream read error")
	ErrUpstreamWrite      = errors.New("upstream write error")
	ErrPaginationExceeded = errors.New("pagination exceeded")
)

// UpstreamError describes a failed LMS call. Kind is one of the Upstream*
// sentinels (or ErrNotFound) so callers can match it with errors.Is; Err is
// the transport error, if any.
type UpstreamError struct {
	Kind       error
	Op         string
	StatusCode int
	Status     string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Status != "":
		return fmt.Sprintf("%s: %v: upstream returned %s", e.Op, e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *UpstreamError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// StatusText returns the upstream status line, or the transport error text
// when the request never got a response.
func (e *UpstreamError) StatusText() string {
	if e.Status != "" {
		return e.Status
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Upstream builds an UpstreamError from an HTTP response.
func Upstream(kind error, op string, resp *http.Response) *UpstreamError {
	ue := &UpstreamError{Kind: kind, Op: op}
	if resp != nil {
		ue.StatusCode = resp.StatusCode
		ue.Status = resp.Status
	}
	return ue
}

// Transport builds an UpstreamError for a request that failed before a
// response was received.
func Transport(kind error, op string, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Op: op, Err: err}
}

// HTTPStatus maps an error to the status code returned to API callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrStateMismatch),
		errors.Is(err, ErrNonceMismatch),
		errors.Is(err, ErrAssertionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// IsAuthFailure reports whether err belongs to the login-flow rejections that
// share one generic response.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrNonceMismatch) ||
		errors.Is(err, ErrAssertionInvalid)
}
