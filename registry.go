package emucore

//
// Node registry
//

import (
	"fmt"
	"sync"
)

// NodeRegistry owns the set of topology nodes of one session. It
// preserves insertion order so that teardown is deterministic. The
// zero value is invalid; construct using [newNodeRegistry].
type NodeRegistry struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// order records node ids in insertion order.
	order []NodeID

	// nodes maps a node id to its node.
	nodes map[NodeID]*Node
}

// newNodeRegistry creates an empty [NodeRegistry].
func newNodeRegistry() *NodeRegistry {
	return &NodeRegistry{
		mu:    sync.Mutex{},
		order: []NodeID{},
		nodes: map[NodeID]*Node{},
	}
}

// add inserts a node. The caller guarantees the id is fresh.
func (nr *NodeRegistry) add(node *Node) {
	nr.mu.Lock()
	nr.nodes[node.id] = node
	nr.order = append(nr.order, node.id)
	nr.mu.Unlock()
}

// Get returns the node with the given id. Lookup failure returns an
// error wrapping [ErrUnknownNode]; this is the canonical error every
// component raises for a dangling node reference.
func (nr *NodeRegistry) Get(id NodeID) (*Node, error) {
	defer nr.mu.Unlock()
	nr.mu.Lock()
	node, found := nr.nodes[id]
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return node, nil
}

// remove deletes the node with the given id and returns it. The
// cascading work (detaching links, destroying the context) belongs to
// the session, which owns the sibling components.
func (nr *NodeRegistry) remove(id NodeID) (*Node, error) {
	defer nr.mu.Unlock()
	nr.mu.Lock()
	node, found := nr.nodes[id]
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	delete(nr.nodes, id)
	for i, oid := range nr.order {
		if oid == id {
			nr.order = append(nr.order[:i], nr.order[i+1:]...)
			break
		}
	}
	return node, nil
}

// List returns all nodes in insertion order.
func (nr *NodeRegistry) List() []*Node {
	defer nr.mu.Unlock()
	nr.mu.Lock()
	out := make([]*Node, 0, len(nr.order))
	for _, id := range nr.order {
		out = append(out, nr.nodes[id])
	}
	return out
}

// Len returns the number of registered nodes.
func (nr *NodeRegistry) Len() int {
	defer nr.mu.Unlock()
	nr.mu.Lock()
	return len(nr.nodes)
}
