package emucore

//
// Execution context management
//

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ExecContext is the isolated network environment bound to one
// realized [Node]. Host-kind nodes are backed by a userspace TCP/IP
// stack; broadcast-domain kinds by a frame [Router]. The context is
// exclusively owned by the [ExecContextManager]; nodes reference it
// by id only.
type ExecContext struct {
	// closeOnce provides once semantics for Close.
	closeOnce sync.Once

	// kind is the kind of the realized node.
	kind NodeKind

	// network is the net-like surface, host kind only.
	network *NodeNetwork

	// node is the id of the realized node.
	node NodeID

	// router is the broadcast domain, router kinds only.
	router *Router

	// running tells whether the context is live.
	running atomic.Bool

	// stack is the userspace stack, host kind only.
	stack *execStack
}

// NodeID returns the id of the node this context realizes.
func (ec *ExecContext) NodeID() NodeID { return ec.node }

// Kind returns the kind of the realized node.
func (ec *ExecContext) Kind() NodeKind { return ec.kind }

// Running returns whether the context is live.
func (ec *ExecContext) Running() bool { return ec.running.Load() }

// Network returns the node's [NodeNetwork]. It errors for
// broadcast-domain nodes, which do not run a stack.
func (ec *ExecContext) Network() (*NodeNetwork, error) {
	if ec.network == nil {
		return nil, fmt.Errorf("%w: node %d is a %s", ErrInvalidState, ec.node, ec.kind)
	}
	return ec.network, nil
}

// Router returns the broadcast-domain router, or nil for host nodes.
func (ec *ExecContext) Router() *Router { return ec.router }

// NIC returns the virtual interface with the given index. Only host
// contexts have bound interfaces; broadcast domains create ports per
// attaching link instead.
func (ec *ExecContext) NIC(index int) (NIC, error) {
	if ec.stack == nil {
		return nil, fmt.Errorf("%w: node %d is a %s", ErrInvalidState, ec.node, ec.kind)
	}
	vif, err := ec.stack.iface(index)
	if err != nil {
		return nil, err
	}
	return vif, nil
}

// bindNIC resolves the NIC backing one of the node's interfaces,
// creating NICs in the live stack for interfaces declared after the
// context was realized. This is how a link hot-plugged between two
// realized hosts obtains its endpoints.
func (ec *ExecContext) bindNIC(node *Node, index int) (NIC, error) {
	if ec.stack == nil {
		return nil, fmt.Errorf("%w: node %d is a %s", ErrInvalidState, ec.node, ec.kind)
	}
	for _, ifc := range node.Interfaces() {
		if ifc.Index > index {
			break
		}
		if _, err := ec.stack.ensureIface(ifc.Index, ifc.Addr); err != nil {
			return nil, err
		}
	}
	return ec.stack.iface(index)
}

// Close tears down all virtual interfaces and then the context
// itself. It is safe to call twice: shutdown ordering may revisit a
// context after a failed instantiation rollback.
func (ec *ExecContext) Close() error {
	ec.closeOnce.Do(func() {
		ec.running.Store(false)
		if ec.stack != nil {
			ec.stack.Close()
		}
		// router ports are owned by link realizations and closed
		// with them; the router itself holds no other resources
	})
	return nil
}

// ExecContextManager creates and destroys one [ExecContext] per
// realized node. The zero value is invalid; construct using
// [newExecContextManager]. Realization failures must surface, not be
// silently retried: topology correctness depends on every node being
// real.
type ExecContextManager struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// ca is the session certification authority.
	ca CertificationAuthority

	// contexts maps a node id to its realized context.
	contexts map[NodeID]*ExecContext

	// logger is the logger to use.
	logger Logger

	// mtu is the MTU for virtual interfaces.
	mtu uint32

	// newStack allocates a userspace stack; tests override this to
	// inject realization failures.
	newStack func(logger Logger, mtu uint32, addrs []netip.Addr) (*execStack, error)

	// order records node ids in realization order.
	order []NodeID

	// realizeTimeout bounds the time a single realization may take.
	realizeTimeout time.Duration
}

// newExecContextManager creates an [ExecContextManager].
func newExecContextManager(
	logger Logger, ca CertificationAuthority,
	mtu uint32, realizeTimeout time.Duration) *ExecContextManager {
	return &ExecContextManager{
		mu:             sync.Mutex{},
		ca:             ca,
		contexts:       map[NodeID]*ExecContext{},
		logger:         logger,
		mtu:            mtu,
		newStack:       newExecStack,
		order:          []NodeID{},
		realizeTimeout: realizeTimeout,
	}
}

// Realize allocates the execution context for the given node and
// binds a virtual interface, with its configured address, for each of
// the node's interfaces. Allocation is bounded by the realize
// timeout; expiry or allocation failure surfaces as an error wrapping
// [ErrResourceExhaustion]. Realizing an already-realized node returns
// the existing context.
func (cm *ExecContextManager) Realize(node *Node) (*ExecContext, error) {
	cm.mu.Lock()
	if existing, found := cm.contexts[node.ID()]; found {
		cm.mu.Unlock()
		return existing, nil
	}
	cm.mu.Unlock()

	ec := &ExecContext{
		closeOnce: sync.Once{},
		kind:      node.Kind(),
		network:   nil,
		node:      node.ID(),
		router:    nil,
		running:   atomic.Bool{},
		stack:     nil,
	}

	switch {
	case node.Kind().broadcastDomain():
		// switches route by destination, hubs and wireless
		// networks flood the shared medium
		ec.router = NewRouter(cm.logger, node.Kind() != NodeKindSwitch)

	default:
		stack, err := cm.realizeStack(node)
		if err != nil {
			return nil, err
		}
		ec.stack = stack
		ec.network = &NodeNetwork{
			ca:     cm.ca,
			logger: cm.logger,
			stack:  stack,
		}
	}

	ec.running.Store(true)
	cm.mu.Lock()
	cm.contexts[node.ID()] = ec
	cm.order = append(cm.order, node.ID())
	cm.mu.Unlock()
	cm.logger.Debugf("emucore: node %d (%s) realized", node.ID(), node.Kind())
	return ec, nil
}

// realizeStack allocates the userspace stack within the realize
// timeout. A node without interfaces gets a stack without NICs, which
// is still a valid context: interfaces may hot-plug later.
func (cm *ExecContextManager) realizeStack(node *Node) (*execStack, error) {
	var addrs []netip.Addr
	for _, ifc := range node.Interfaces() {
		addrs = append(addrs, ifc.Addr)
	}

	type result struct {
		stack *execStack
		err   error
	}
	resch := make(chan *result, 1)
	go func() {
		stack, err := cm.newStack(cm.logger, cm.mtu, addrs)
		resch <- &result{stack: stack, err: err}
	}()

	timer := time.NewTimer(cm.realizeTimeout)
	defer timer.Stop()
	select {
	case res := <-resch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: node %d: %s", ErrResourceExhaustion, node.ID(), res.err)
		}
		return res.stack, nil
	case <-timer.C:
		// a stack that completes after the timeout is unwanted and
		// must be released along with its goroutines
		go func() {
			if res := <-resch; res.stack != nil {
				res.stack.Close()
			}
		}()
		return nil, fmt.Errorf(
			"%w: node %d: realization timed out after %s",
			ErrResourceExhaustion, node.ID(), cm.realizeTimeout)
	}
}

// Get returns the context realized for the given node, if any.
func (cm *ExecContextManager) Get(id NodeID) (*ExecContext, bool) {
	defer cm.mu.Unlock()
	cm.mu.Lock()
	ec, found := cm.contexts[id]
	return ec, found
}

// Destroy tears down the context realized for the given node. It is
// idempotent: destroying an absent or already-destroyed context is a
// no-op.
func (cm *ExecContextManager) Destroy(id NodeID) {
	cm.mu.Lock()
	ec, found := cm.contexts[id]
	if found {
		delete(cm.contexts, id)
		for i, oid := range cm.order {
			if oid == id {
				cm.order = append(cm.order[:i], cm.order[i+1:]...)
				break
			}
		}
	}
	cm.mu.Unlock()
	if found {
		ec.Close()
		cm.logger.Debugf("emucore: node %d context destroyed", id)
	}
}

// DestroyAll tears down every context in reverse realization order.
func (cm *ExecContextManager) DestroyAll() {
	cm.mu.Lock()
	order := append([]NodeID{}, cm.order...)
	cm.mu.Unlock()
	for i := len(order) - 1; i >= 0; i-- {
		cm.Destroy(order[i])
	}
}

// Len returns the number of live contexts.
func (cm *ExecContextManager) Len() int {
	defer cm.mu.Unlock()
	cm.mu.Lock()
	return len(cm.contexts)
}
