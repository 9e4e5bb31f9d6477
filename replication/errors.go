package replication

import (
	"errors"
)

var (
	ErrNoReplicaIdentity  = errors.New("instance has no replica identity")
	ErrReplicationTimeout = errors.New("timed out waiting for replication")
	ErrInitFailed         = errors.New("agreement initialization failed")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// MarkTransient flags err as safe to retry.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var transientErr *transientError
	return errors.As(err, &transientErr)
}
