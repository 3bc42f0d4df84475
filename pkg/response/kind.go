// Package response writes the proxy's own replies to clients: cached files
// and the canned error pages.
package response

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind selects one of the canned error replies.
type Kind int

const (
	// Internal is the zero value so an unclassified failure maps to 500.
	Internal Kind = iota
	BadRequest
	Forbidden
	NotFound
	NotImplemented
)

type page struct {
	status int
	reason string
	notice string
}

var pages = map[Kind]page{
	BadRequest:     {http.StatusBadRequest, "Bad Request", "Bad Request."},
	Forbidden:      {http.StatusForbidden, "Forbidden", "Access denied."},
	NotFound:       {http.StatusNotFound, "Not Found", "File not found."},
	Internal:       {http.StatusInternalServerError, "Internal Server Error", "Some server side error."},
	NotImplemented: {http.StatusNotImplemented, "Not supported", "Method is not supported."},
}

func (k Kind) page() page {
	if p, ok := pages[k]; ok {
		return p
	}
	return pages[Internal]
}

// Status returns the HTTP status code for k.
func (k Kind) Status() int { return k.page().status }

// String returns "<code> <reason>", e.g. "403 Forbidden".
func (k Kind) String() string {
	p := k.page()
	return fmt.Sprintf("%d %s", p.status, p.reason)
}

// Error is a per-request failure tagged with the reply it should produce.
type Error struct {
	Kind Kind
	Err  error
}

// Errorf builds an *Error whose message is formatted like fmt.Errorf; %w is
// honored.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or Internal if err carries none.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Internal
}
