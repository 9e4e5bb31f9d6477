package topology

import "errors"

var (
	ErrSuffixlessReplication = errors.New("invalid request to make suffix-less replicated environment")
	ErrEmptyTopology         = errors.New("topology request has no instances")
	ErrNegativeCount         = errors.New("negative instance count")
	ErrDuplicateServerID     = errors.New("server id appears more than once")
	ErrPortInUse             = errors.New("port is already in use")
	ErrNotStandalone         = errors.New("topology is not a single standalone instance")
	ErrUnknownPreset         = errors.New("unknown topology preset")
	ErrClosed                = errors.New("topology has been closed")
)

// ConfigError is returned by Build when the request is rejected before any
// instance was created.
type ConfigError struct {
	Counts Counts
	Err    error
}

func (e *ConfigError) Error() string {
	return "invalid topology request " + e.Counts.String() + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
