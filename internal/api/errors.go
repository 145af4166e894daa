package api

import (
	"errors"
	"fmt"
)

// ErrEmptyMessage is returned before any request is made when the message
// text is blank.
var ErrEmptyMessage = errors.New("message text is empty")

// RequestError is a failed exchange with the server: either the transport
// failed (Err set) or the server answered with a non-2xx status.
type RequestError struct {
	Op        string
	Method    string
	URL       string
	Status    int
	Body      string
	RequestID string
	Err       error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Op, e.Method, e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: %s %s: status %d: %s", e.Op, e.Method, e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s %s: status %d", e.Op, e.Method, e.URL, e.Status)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err came from talking to the server.
func IsNetwork(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}
