package proc

import "errors"

var (
	// ErrBinaryNotFound means the assistant binary is not installed where we
	// know to look. Terminal and user-actionable; never retried.
	ErrBinaryNotFound = errors.New("assistant binary not found")

	// ErrSpawnFailed means the OS refused to start the process. Fatal for
	// the attempt; the caller may retry.
	ErrSpawnFailed = errors.New("process spawn failed")

	// ErrProcessNotFound means no live process is registered under the
	// given key.
	ErrProcessNotFound = errors.New("process not found")
)
