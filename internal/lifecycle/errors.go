package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport matches any *TransportError via errors.Is.
	ErrTransport = errors.New("transport failure")
	// ErrProtocol matches any *ProtocolError via errors.Is.
	ErrProtocol = errors.New("protocol failure")
)

// TransportError is a connection-level failure: refused, reset, timed out.
type TransportError struct {
	Op  Kind
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError is a reply the client could not accept: an unexpected
// status or a malformed body.
type ProtocolError struct {
	Op     Kind
	Status int
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Truncate shortens a response body for inclusion in an error.
func Truncate(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
