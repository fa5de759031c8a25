package node

import "errors"

var (
	ErrUnknownSession   = errors.New("node: session is not known to this node")
	ErrUnexpectedRecord = errors.New("node: unexpected record value")
)
