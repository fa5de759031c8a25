package replayer

import "errors"

// ErrNotRunning is returned when a message is added for replay before
// the replayer has been started.
var ErrNotRunning = errors.New("replayer: a message was added for replay before the session replayer was started")
