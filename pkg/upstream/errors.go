package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	// KindNetwork covers transport failures, cancellation and timeouts.
	KindNetwork ErrorKind = "network"
	// KindStatus is a non-2xx reply; Body holds the provider's text verbatim.
	KindStatus ErrorKind = "status"
	// KindMalformed is a 2xx reply the client could not interpret.
	KindMalformed ErrorKind = "malformed"
)

// ErrIdleTimeout is the cause recorded when a stream produced nothing for
// longer than the configured idle timeout.
var ErrIdleTimeout = errors.New("upstream stream idle timeout")

// Error is the single error type surfaced by Client.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int

	// Body is the upstream response body, unmodified.
	Body []byte

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("upstream")
	if e.Provider != "" {
		b.WriteString(" ")
		b.WriteString(e.Provider)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		b.WriteString(fmt.Sprintf(" http %d", e.StatusCode))
		if t := http.StatusText(e.StatusCode); t != "" {
			b.WriteString(" ")
			b.WriteString(t)
		}
	}
	if len(e.Body) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(string(e.Body)))
	} else if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Message returns the upstream body as text, for pass-through to callers.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return string(e.Body)
}

func AsError(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ue, ok := AsError(err)
	return ok && ue.Kind == kind
}
