package flowmapper

import "errors"

var (
	// ErrIdentityNotFound is returned when the initiated identity of a
	// session init is not hosted on this node.
	ErrIdentityNotFound = errors.New("flowmapper: initiated identity cannot be resolved to a flow key")

	// ErrMissingFlowKey is returned for an outbound session init that was
	// not tagged with the local flow key.
	ErrMissingFlowKey = errors.New("flowmapper: outbound session init has no flow key")

	// ErrReservedSessionID is returned when a session is initiated with an
	// id already in the initiated form, which could not be toggled back.
	ErrReservedSessionID = errors.New("flowmapper: initiating session id must not end with " + InitiatedSuffix)
)
