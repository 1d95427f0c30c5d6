// Package transport opens the long-lived byte streams the monitor consumes.
package transport

import (
	"errors"
	"fmt"
)

// ErrAborted is returned by Next once Abort has been called.
var ErrAborted = errors.New("stream aborted")

// Stream yields raw byte chunks until the source ends (io.EOF), fails, or is
// aborted. Next is called from a single goroutine; Abort may be called from
// any goroutine and is idempotent.
type Stream interface {
	Next() ([]byte, error)
	Abort()
}

// Error is a connection-level fault. It is never retried here.
type Error struct {
	Op         string // "connect", "read", "status", "open", "watch"
	Target     string // URL or file path
	StatusCode int    // set when Op is "status"
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s %s: unexpected status %d", e.Op, e.Target, e.StatusCode)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

const defaultChunkSize = 4096
