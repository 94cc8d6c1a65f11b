package emucore

//
// Link fabric: the topology edge set
//

import (
	"fmt"
	"sync"
)

// LinkEndpoint names one end of a [Link]: a node and the index of the
// interface the link binds on that node.
type LinkEndpoint struct {
	// Node is the endpoint node id.
	Node NodeID

	// Iface is the interface index on the node.
	Iface int
}

// pairKey is the unordered endpoint pair used for duplicate detection.
type pairKey struct {
	lo NodeID
	hi NodeID
}

// newPairKey normalizes two node ids into a [pairKey].
func newPairKey(a, b NodeID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Link is a topology edge connecting two interfaces, or an interface
// and a broadcast-domain node. Links are created through
// [Session.AddLink] and owned by the session's fabric.
type Link struct {
	// id is the link id.
	id LinkID

	// a and b are the link endpoints.
	a LinkEndpoint
	b LinkEndpoint

	// mu guards the mutable fields below. Propagation models write
	// impairment concurrently with readers of this link.
	mu sync.Mutex

	// impairment holds the configured impairment parameters.
	impairment Impairment

	// enabled tells whether the link passes traffic. A disabled
	// link remains a valid topology edge.
	enabled bool

	// captureFile is the optional PCAP file capturing this link.
	captureFile string

	// pipe is the realized forwarder, nil while unrealized.
	pipe *linkPipe
}

// ID returns the link id.
func (lnk *Link) ID() LinkID { return lnk.id }

// Endpoints returns the link endpoints.
func (lnk *Link) Endpoints() (LinkEndpoint, LinkEndpoint) {
	return lnk.a, lnk.b
}

// Impairment returns the currently configured impairment.
func (lnk *Link) Impairment() Impairment {
	defer lnk.mu.Unlock()
	lnk.mu.Lock()
	return lnk.impairment
}

// Enabled returns whether the link passes traffic.
func (lnk *Link) Enabled() bool {
	defer lnk.mu.Unlock()
	lnk.mu.Lock()
	return lnk.enabled
}

// Realized returns whether the link has live forwarders.
func (lnk *Link) Realized() bool {
	defer lnk.mu.Unlock()
	lnk.mu.Lock()
	return lnk.pipe != nil
}

// realizeParams returns the fields needed to realize the link.
func (lnk *Link) realizeParams() (imp Impairment, enabled bool, captureFile string) {
	defer lnk.mu.Unlock()
	lnk.mu.Lock()
	return lnk.impairment, lnk.enabled, lnk.captureFile
}

// realizedPipe returns the realized pipe, or nil.
func (lnk *Link) realizedPipe() *linkPipe {
	defer lnk.mu.Unlock()
	lnk.mu.Lock()
	return lnk.pipe
}

// touches returns whether the link has an endpoint on the given node.
func (lnk *Link) touches(id NodeID) bool {
	return lnk.a.Node == id || lnk.b.Node == id
}

// peerOf returns the opposite endpoint of the given node.
func (lnk *Link) peerOf(id NodeID) LinkEndpoint {
	if lnk.a.Node == id {
		return lnk.b
	}
	return lnk.a
}

// LinkFabric owns the edge set of one session, keyed by link id, with
// a secondary index on the unordered endpoint pair for duplicate
// detection. The zero value is invalid; construct using
// [newLinkFabric]. Structural mutation is serialized by the session;
// the fabric's own lock makes the live impairment path safe to call
// from propagation-model goroutines.
type LinkFabric struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// logger is the logger to use.
	logger Logger

	// order records link ids in insertion order.
	order []LinkID

	// links maps a link id to its link.
	links map[LinkID]*Link

	// pairs indexes link ids by unordered endpoint pair.
	pairs map[pairKey][]LinkID
}

// newLinkFabric creates an empty [LinkFabric].
func newLinkFabric(logger Logger) *LinkFabric {
	return &LinkFabric{
		mu:     sync.Mutex{},
		logger: logger,
		order:  []LinkID{},
		links:  map[LinkID]*Link{},
		pairs:  map[pairKey][]LinkID{},
	}
}

// directlyLinked returns whether the two nodes already share a link.
func (lf *LinkFabric) directlyLinked(a, b NodeID) bool {
	defer lf.mu.Unlock()
	lf.mu.Lock()
	return len(lf.pairs[newPairKey(a, b)]) > 0
}

// add inserts a link. The caller guarantees the id is fresh and has
// already decided the duplicate-endpoints policy.
func (lf *LinkFabric) add(lnk *Link) {
	lf.mu.Lock()
	lf.links[lnk.id] = lnk
	lf.order = append(lf.order, lnk.id)
	key := newPairKey(lnk.a.Node, lnk.b.Node)
	lf.pairs[key] = append(lf.pairs[key], lnk.id)
	lf.mu.Unlock()
}

// Get returns the link with the given id or an error wrapping
// [ErrUnknownLink].
func (lf *LinkFabric) Get(id LinkID) (*Link, error) {
	defer lf.mu.Unlock()
	lf.mu.Lock()
	lnk, found := lf.links[id]
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	return lnk, nil
}

// remove deletes the link with the given id and returns it. Tearing
// down the realized pipe, if any, belongs to the caller.
func (lf *LinkFabric) remove(id LinkID) (*Link, error) {
	defer lf.mu.Unlock()
	lf.mu.Lock()
	lnk, found := lf.links[id]
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	lf.removeLocked(lnk)
	return lnk, nil
}

// removeTouching deletes every link with an endpoint on the given
// node and returns them in insertion order.
func (lf *LinkFabric) removeTouching(id NodeID) []*Link {
	defer lf.mu.Unlock()
	lf.mu.Lock()
	var out []*Link
	for _, lid := range append([]LinkID{}, lf.order...) {
		lnk := lf.links[lid]
		if lnk != nil && lnk.touches(id) {
			lf.removeLocked(lnk)
			out = append(out, lnk)
		}
	}
	return out
}

// removeLocked removes a link while holding the fabric lock.
func (lf *LinkFabric) removeLocked(lnk *Link) {
	delete(lf.links, lnk.id)
	for i, oid := range lf.order {
		if oid == lnk.id {
			lf.order = append(lf.order[:i], lf.order[i+1:]...)
			break
		}
	}
	key := newPairKey(lnk.a.Node, lnk.b.Node)
	ids := lf.pairs[key]
	for i, lid := range ids {
		if lid == lnk.id {
			lf.pairs[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(lf.pairs[key]) <= 0 {
		delete(lf.pairs, key)
	}
}

// List returns all links in insertion order.
func (lf *LinkFabric) List() []*Link {
	defer lf.mu.Unlock()
	lf.mu.Lock()
	out := make([]*Link, 0, len(lf.order))
	for _, id := range lf.order {
		out = append(out, lf.links[id])
	}
	return out
}

// ApplyImpairment validates and applies new impairment parameters to
// the given link. When the link is realized the change reaches the
// running forwarders immediately, without restarting them: this is
// the live path propagation models use for continuous updates. On
// validation failure the link's prior values are left unchanged.
func (lf *LinkFabric) ApplyImpairment(id LinkID, imp Impairment) error {
	if err := imp.Validate(); err != nil {
		return err
	}
	defer lf.mu.Unlock()
	lf.mu.Lock()
	lnk, found := lf.links[id]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	lnk.mu.Lock()
	lnk.impairment = imp
	if lnk.pipe != nil {
		lnk.pipe.state.update(imp, lnk.enabled)
	}
	lnk.mu.Unlock()
	lf.logger.Debugf(
		"emucore: link %d: bw=%d delay=%s jitter=%s loss=%.2f%% dup=%.2f%%",
		id, imp.Bandwidth, imp.Delay, imp.Jitter, imp.Loss, imp.Duplicate,
	)
	return nil
}

// SetEnabled enables or disables the link. A disabled link passes no
// traffic but remains a valid topology edge. Like [ApplyImpairment]
// the change reaches realized links live.
func (lf *LinkFabric) SetEnabled(id LinkID, enabled bool) error {
	defer lf.mu.Unlock()
	lf.mu.Lock()
	lnk, found := lf.links[id]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownLink, id)
	}
	lnk.mu.Lock()
	lnk.enabled = enabled
	if lnk.pipe != nil {
		lnk.pipe.state.update(lnk.impairment, enabled)
	}
	lnk.mu.Unlock()
	return nil
}

// setRealized records the realized pipe for a link, or clears it.
func (lf *LinkFabric) setRealized(id LinkID, pipe *linkPipe) {
	lf.mu.Lock()
	if lnk := lf.links[id]; lnk != nil {
		lnk.mu.Lock()
		lnk.pipe = pipe
		lnk.mu.Unlock()
	}
	lf.mu.Unlock()
}
