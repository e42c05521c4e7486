package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindAuth
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// ErrUnsupported marks a request the provider cannot serve, such as a model
// missing from its catalog or image input without a vision model.
var ErrUnsupported = errors.New("unsupported by provider")

// ErrUnavailable marks a call refused locally because the provider's
// breaker is open. It is transient for routing but never retried in place.
var ErrUnavailable = errors.New("provider unavailable")

type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the taxonomy kind of err. Timeouts and transport failures
// count as transient; anything unclassified is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrUnsupported) {
		return KindInvalidRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool      { return KindOf(err) == KindTransient }
func IsAuth(err error) bool           { return KindOf(err) == KindAuth }
func IsInvalidRequest(err error) bool { return KindOf(err) == KindInvalidRequest }

// ClassifyStatus maps a non-2xx vendor response onto the taxonomy.
func ClassifyStatus(providerName string, status int, body []byte) *Error {
	e := &Error{
		Provider:   providerName,
		StatusCode: status,
		Message:    errorMessage(body),
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		e.Kind = KindTransient
	case status >= 500:
		e.Kind = KindTransient
	case status >= 400:
		e.Kind = KindInvalidRequest
	default:
		e.Kind = KindUnknown
	}
	return e
}

func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return truncate(strings.TrimSpace(string(body)), 256)
	}
	for _, path := range []string{"error.message", "message", "error", "msg"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return truncate(string(body), 256)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Unsupported builds the per-provider capability mismatch error.
func Unsupported(providerName, format string, args ...any) *Error {
	return &Error{
		Kind:     KindInvalidRequest,
		Provider: providerName,
		Message:  fmt.Sprintf(format, args...),
		Err:      ErrUnsupported,
	}
}

// TransportError wraps a failed round trip. Cancellation by the caller is
// passed through untouched.
func TransportError(providerName string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindTransient, Provider: providerName, Err: err}
}
