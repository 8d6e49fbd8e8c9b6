package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrSinkRejected matches every *SinkRejectedError.
	ErrSinkRejected = errors.New("sink rejected append")

	// ErrClosed is returned by a coordinator after Close.
	ErrClosed = errors.New("coordinator closed")
)

// SinkRejectedError reports an append or offset change the sink refused.
// Draining halts once one is raised.
type SinkRejectedError struct {
	Bytes int
	Err   error
}

func (e *SinkRejectedError) Error() string {
	if e.Bytes > 0 {
		return fmt.Sprintf("sink rejected %d bytes: %v", e.Bytes, e.Err)
	}
	return fmt.Sprintf("sink rejected update: %v", e.Err)
}

func (e *SinkRejectedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSinkRejected) hold.
func (e *SinkRejectedError) Is(target error) bool { return target == ErrSinkRejected }
