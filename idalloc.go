package emucore

//
// Identifier allocation
//

import (
	"fmt"
	"sync/atomic"
)

// idAllocator issues unique, monotonically increasing identifiers. The
// zero value is ready to use; the first id issued is 1. Ids are never
// reused for the lifetime of the allocator.
type idAllocator struct {
	last atomic.Int64
}

// next returns a fresh identifier.
func (ia *idAllocator) next() int64 {
	return ia.last.Add(1)
}

// nicID is the process-wide counter used to name virtual interfaces.
var nicID = &atomic.Int64{}

// newNICName constructs a new, unique name for a virtual interface.
func newNICName() string {
	return fmt.Sprintf("eth%d", nicID.Add(1))
}
