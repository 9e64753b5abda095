package fetch

import (
	"errors"
	"fmt"
	"strings"
)

var errNoContentType = errors.New("response has no Content-Type")

// RetrievalError reports a transport failure, a timeout or a non-2xx answer.
// StatusCode is 0 when no response was received.
type RetrievalError struct {
	Key        string
	URL        string
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s: %s", e.Key, e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// FormatError reports a payload that is not what the source promised: an
// unexpected content type, or a body the parsers cannot read.
type FormatError struct {
	Key      string
	Expected string
	Got      string
	// Title is the <title> of an HTML answer (error or challenge page).
	Title string
	Err   error
}

func (e *FormatError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "format %s", e.Key)
	if e.Got != "" || e.Expected != "" {
		fmt.Fprintf(&b, ": got %q, want %s", e.Got, e.Expected)
	}
	if e.Title != "" {
		fmt.Fprintf(&b, " (page title %q)", e.Title)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *FormatError) Unwrap() error { return e.Err }
