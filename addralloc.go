package emucore

//
// Interface address allocation
//

import (
	"fmt"
	"net/netip"
)

// AddrAllocator hands out consecutive addresses from a prefix. It is
// the tiny collaborator callers use to assign interface addresses
// when building a topology; the engine itself never allocates
// addresses. The zero value is invalid; please use [NewAddrAllocator]
// to construct.
type AddrAllocator struct {
	// cursor is the last address handed out.
	cursor netip.Addr

	// prefix is the prefix we allocate from.
	prefix netip.Prefix
}

// NewAddrAllocator creates an [AddrAllocator] for the given prefix.
// The network address itself is skipped.
func NewAddrAllocator(prefix netip.Prefix) *AddrAllocator {
	return &AddrAllocator{
		cursor: prefix.Masked().Addr(),
		prefix: prefix.Masked(),
	}
}

// Next returns the next free address in the prefix, or an error
// wrapping [ErrResourceExhaustion] when the prefix is exhausted.
func (aa *AddrAllocator) Next() (netip.Addr, error) {
	next := aa.cursor.Next()
	if !aa.prefix.Contains(next) {
		return netip.Addr{}, fmt.Errorf(
			"%w: prefix %s exhausted", ErrResourceExhaustion, aa.prefix)
	}
	aa.cursor = next
	return next, nil
}

// MustNext is like [AddrAllocator.Next] but panics on exhaustion, for
// topology-building code where the prefix is known to be large enough.
func (aa *AddrAllocator) MustNext() netip.Addr {
	return Must1(aa.Next())
}
