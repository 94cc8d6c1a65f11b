package emucore

//
// Error taxonomy
//

import (
	"errors"
	"fmt"
)

// ErrInvalidState indicates that an operation is illegal in the
// session's current lifecycle state.
var ErrInvalidState = errors.New("emucore: operation invalid in current state")

// ErrUnknownNode indicates a reference to an absent node id.
var ErrUnknownNode = errors.New("emucore: no such node")

// ErrUnknownLink indicates a reference to an absent link id.
var ErrUnknownLink = errors.New("emucore: no such link")

// ErrUnknownInterface indicates a reference to an absent interface index.
var ErrUnknownInterface = errors.New("emucore: no such interface")

// ErrUnknownService indicates a reference to an unrecognized service name.
var ErrUnknownService = errors.New("emucore: no such service")

// ErrUnknownSession indicates a reference to an absent session id.
var ErrUnknownSession = errors.New("emucore: no such session")

// ErrUnknownModel indicates a reference to an unregistered propagation model.
var ErrUnknownModel = errors.New("emucore: no such propagation model")

// ErrInvalidParameter indicates an impairment or config value outside
// its contract range.
var ErrInvalidParameter = errors.New("emucore: invalid parameter")

// ErrResourceExhaustion indicates that the host cannot realize another
// execution context, or that realization did not complete in time.
var ErrResourceExhaustion = errors.New("emucore: cannot realize execution context")

// ErrDuplicateLink indicates that a direct link between the same pair
// of endpoints already exists. Parallel links require explicit
// distinct interface indices via [Session.AddLinkBetween].
var ErrDuplicateLink = errors.New("emucore: endpoints already directly linked")

// ErrStackClosed indicates that the execution context has been closed.
var ErrStackClosed = errors.New("emucore: stack closed")

// ErrNoPacket indicates that no packet is currently available.
var ErrNoPacket = errors.New("emucore: no packet available")

// ErrPacketDropped indicates that a packet was dropped.
var ErrPacketDropped = errors.New("emucore: packet was dropped")

// RealizationFailure is the aggregate error returned by
// [Session.Instantiate] when realizing the topology fails partway. It
// names the failing entity and records which nodes had already been
// realized before the automatic rollback destroyed them again.
type RealizationFailure struct {
	// Node is the failing node id, when a node realization failed.
	Node NodeID

	// Link is the failing link id, when a link realization failed.
	Link LinkID

	// Stage names the instantiation stage that failed: "node",
	// "link", "service", or "propagation".
	Stage string

	// RolledBack lists the nodes that had been realized in this
	// attempt and were destroyed again by the rollback.
	RolledBack []NodeID

	// Cause is the underlying error.
	Cause error
}

var _ error = &RealizationFailure{}

// Error implements error.
func (rf *RealizationFailure) Error() string {
	switch rf.Stage {
	case "link":
		return fmt.Sprintf(
			"emucore: instantiate: realizing link %d: %s (rolled back %d nodes)",
			rf.Link, rf.causeString(), len(rf.RolledBack),
		)
	default:
		return fmt.Sprintf(
			"emucore: instantiate: %s stage for node %d: %s (rolled back %d nodes)",
			rf.Stage, rf.Node, rf.causeString(), len(rf.RolledBack),
		)
	}
}

// Unwrap returns the underlying error.
func (rf *RealizationFailure) Unwrap() error {
	return rf.Cause
}

// causeString converts the cause to a string dealing gracefully with nil.
func (rf *RealizationFailure) causeString() string {
	if rf.Cause == nil {
		return "<nil>"
	}
	return rf.Cause.Error()
}
