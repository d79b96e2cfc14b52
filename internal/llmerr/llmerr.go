// Package llmerr defines the closed error taxonomy shared by providers, the
// fallback chain, the session store, and the workflow engine. Every backend
// failure is classified into exactly one Kind before it crosses a package
// boundary; downstream code switches on the Kind instead of parsing messages.
package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind identifies one member of the closed error taxonomy.
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindInvalidParameter Kind = "invalid_parameter"
	KindNotFound         Kind = "not_found"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindRateLimit        Kind = "rate_limit"
	KindTimeout          Kind = "timeout"
	KindConnection       Kind = "connection"
	KindServerError      Kind = "server_error"
	KindModelError       Kind = "model_error"

	// KindCancelled is a distinct outcome, not part of the retry table.
	// Cancelled requests are never retried and never fall back.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether the chain may retry an error of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindConnection, KindServerError, KindModelError:
		return true
	default:
		return false
	}
}

// Error is the tagged error carried across the request path. Provider
// adapters construct it via Classify or New; the chain annotates it with the
// providers it tried before surfacing it.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	StatusCode int
	RetryAfter time.Duration

	// Tried lists the providers the chain attempted, in order, when the
	// error is surfaced from a fallback chain rather than a single adapter.
	Tried []string

	cause error
}

// New builds a taxonomy error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a taxonomy error that preserves the original error for
// errors.Is / errors.As chains.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Kind == KindRateLimit && e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if len(e.Tried) > 0 {
		fmt.Fprintf(&b, " (providers tried: %s)", strings.Join(e.Tried, ", "))
	}
	return b.String()
}

// Unwrap exposes the original backend error.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the chain may retry this error.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// WithProvider returns a copy annotated with the originating provider name.
func (e *Error) WithProvider(name string) *Error {
	cp := *e
	cp.Provider = name
	return &cp
}

// KindOf extracts the taxonomy kind from an arbitrary error. Errors that
// never passed through Classify report KindServerError, matching the
// classifier's conservative default. Context cancellation maps to
// KindCancelled, deadline expiry to KindTimeout.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindServerError
}

// IsCancelled reports whether err represents caller cancellation.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// statusKinds maps HTTP status codes to taxonomy kinds. 5xx is handled as a
// range in Classify.
var statusKinds = map[int]Kind{
	http.StatusUnauthorized:    KindAuthentication,
	http.StatusForbidden:       KindAuthentication,
	http.StatusBadRequest:      KindInvalidParameter,
	http.StatusNotFound:        KindNotFound,
	http.StatusPaymentRequired: KindQuotaExceeded,
	http.StatusTooManyRequests: KindRateLimit,
	http.StatusRequestTimeout:  KindTimeout,
}

// keywordKinds is scanned in order; the first keyword found in the lowered
// message decides the kind. Order matters: "rate limit" must win over the
// bare "limit" in quota messages.
var keywordKinds = []struct {
	keyword string
	kind    Kind
}{
	{"rate limit", KindRateLimit},
	{"too many requests", KindRateLimit},
	{"quota", KindQuotaExceeded},
	{"unauthorized", KindAuthentication},
	{"authentication", KindAuthentication},
	{"invalid api key", KindAuthentication},
	{"api key", KindAuthentication},
	{"forbidden", KindAuthentication},
	{"not found", KindNotFound},
	{"no such model", KindNotFound},
	{"timeout", KindTimeout},
	{"timed out", KindTimeout},
	{"deadline exceeded", KindTimeout},
	{"connection refused", KindConnection},
	{"connection reset", KindConnection},
	{"no such host", KindConnection},
	{"broken pipe", KindConnection},
	{"eof", KindConnection},
}

// Classify maps a raw backend failure to a taxonomy error. It is pure and
// total: every non-nil input yields some kind, and unrecognized inputs
// become ServerError (retryable, conservative).
//
// Resolution order: already-classified errors pass through; context errors
// map to Cancelled/Timeout; transport error types; the HTTP status code if
// non-zero; message keywords; ServerError.
func Classify(err error, statusCode int) *Error {
	if err == nil && statusCode == 0 {
		return New(KindServerError, "unknown failure")
	}

	var te *Error
	if errors.As(err, &te) {
		return te
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Wrap(KindCancelled, err, "request cancelled")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Wrap(KindTimeout, err, "request deadline exceeded")
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return Wrap(KindTimeout, err, "%v", err)
			}
			return Wrap(KindConnection, err, "%v", err)
		}
	}

	if kind, ok := statusKinds[statusCode]; ok {
		e := Wrap(kind, err, "%s", messageOf(err, statusCode))
		e.StatusCode = statusCode
		return e
	}
	if statusCode >= 500 && statusCode <= 599 {
		e := Wrap(KindServerError, err, "%s", messageOf(err, statusCode))
		e.StatusCode = statusCode
		return e
	}

	if err != nil {
		lowered := strings.ToLower(err.Error())
		for _, kw := range keywordKinds {
			if strings.Contains(lowered, kw.keyword) {
				return Wrap(kw.kind, err, "%v", err)
			}
		}
	}

	return Wrap(KindServerError, err, "%s", messageOf(err, statusCode))
}

func messageOf(err error, statusCode int) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("backend returned status %d", statusCode)
}
