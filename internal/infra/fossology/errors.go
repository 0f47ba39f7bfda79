package fossology

import (
	"errors"
	"fmt"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
)

// RemoteError describes an ordinary failure talking to FOSSology: a transport
// error, an unexpected status code or a payload missing an expected field.
// It matches clearing.ErrRemoteFailure with errors.Is.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	msg := "fossology " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == clearing.ErrRemoteFailure }

func remoteErr(op string, status int, msg string, err error) error {
	return &RemoteError{Op: op, StatusCode: status, Message: msg, Err: err}
}

// IsRemoteFailure reports whether err is an ordinary remote failure.
func IsRemoteFailure(err error) bool { return errors.Is(err, clearing.ErrRemoteFailure) }
