// Package apperr defines the tagged error kinds shared by the ingestion
// pipeline. Every failure that reaches a job snapshot or an HTTP response
// carries one of these kinds.
package apperr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags an error for propagation decisions and user-visible reporting.
type Kind string

const (
	FetchFailed            Kind = "fetch_failed"
	Timeout                Kind = "timeout"
	NoCalendarFound        Kind = "no_calendar_found"
	NoEventsFound          Kind = "no_events_found"
	SchemaGenerationFailed Kind = "schema_generation_failed"
	SelectorNotMatching    Kind = "selector_not_matching"
	ParseDateFailed        Kind = "parse_date_failed"
	ParseTimeFailed        Kind = "parse_time_failed"
	MissingRequiredField   Kind = "missing_required_field"
	DuplicateSkipped       Kind = "duplicate_skipped"
	UpstreamLLMError       Kind = "upstream_llm_error"
	Cancelled              Kind = "cancelled"
	InvalidRange           Kind = "invalid_range"
	RobotsDisallowed       Kind = "robots_disallowed"
	Internal               Kind = "internal"
)

// HTTPStatus returns the kind for a non-2xx response, e.g. "http_404".
func HTTPStatus(code int) Kind {
	return Kind("http_" + strconv.Itoa(code))
}

// IsHTTP reports whether k is an http_<status> kind.
func (k Kind) IsHTTP() bool {
	return strings.HasPrefix(string(k), "http_")
}

// PerRecord reports whether errors of this kind only skip one record.
func (k Kind) PerRecord() bool {
	switch k {
	case ParseDateFailed, ParseTimeFailed, MissingRequiredField, DuplicateSkipped, InvalidRange:
		return true
	}
	return false
}

// Error is a tagged error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a tagged error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first tagged error in err's chain, or
// Internal if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Message returns a single human-readable line without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
