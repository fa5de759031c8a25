package replay

import "errors"

var (
	// ErrNotRunning is returned when a replay is added before the
	// scheduler has been started or after it has been stopped.
	ErrNotRunning = errors.New("replay: scheduler is not running")

	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("replay: scheduler is already running")

	// ErrReplayLimitExceeded is reported for entries that were replayed
	// the maximum number of times without being acknowledged.
	ErrReplayLimitExceeded = errors.New("replay: maximum number of replays exceeded")
)
