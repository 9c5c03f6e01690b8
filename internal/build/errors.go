package build

import "errors"

var (
	ErrNotFound    = errors.New("build not found")
	ErrSpawnFailed = errors.New("failed to start build")
	ErrTooManyJobs = errors.New("another build is already running")
	ErrClosed      = errors.New("supervisor is shut down")
)
