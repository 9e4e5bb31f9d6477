package watchdog

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError is raised when a topology outlives its deadline.
type TimeoutError struct {
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("topology did not finish within %s", e.Deadline)
}

func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
