package emucore

//
// Topology nodes
//

import (
	"fmt"
	"net/netip"
)

// NodeKind is the kind of a [Node]. A node's kind is immutable after
// creation.
type NodeKind int

const (
	// NodeKindHost is a host-like node realized as a userspace
	// TCP/IP stack with one virtual interface per declared interface.
	NodeKindHost = NodeKind(iota)

	// NodeKindSwitch is a broadcast-domain node that routes frames
	// to the port owning the destination address.
	NodeKindSwitch

	// NodeKindHub is a broadcast-domain node that floods every frame
	// to all attached ports.
	NodeKindHub

	// NodeKindWireless is a shared-medium node whose attached links
	// carry impairment computed by a [PropagationModel].
	NodeKindWireless
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case NodeKindHost:
		return "host"
	case NodeKindSwitch:
		return "switch"
	case NodeKindHub:
		return "hub"
	case NodeKindWireless:
		return "wireless"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// broadcastDomain returns whether nodes of this kind realize as a
// frame router rather than a userspace stack.
func (k NodeKind) broadcastDomain() bool {
	switch k {
	case NodeKindSwitch, NodeKindHub, NodeKindWireless:
		return true
	default:
		return false
	}
}

// NodeConfig is the tagged kind-specific configuration of a [Node].
// Each variant carries only its own fields and is validated when the
// node is created.
type NodeConfig interface {
	// Kind returns the node kind this config selects.
	Kind() NodeKind

	// validate checks the kind-specific fields.
	validate() error
}

// HostConfig configures a host-kind node.
type HostConfig struct{}

var _ NodeConfig = &HostConfig{}

// Kind implements NodeConfig.
func (*HostConfig) Kind() NodeKind { return NodeKindHost }

func (*HostConfig) validate() error { return nil }

// SwitchConfig configures a switch-kind node.
type SwitchConfig struct{}

var _ NodeConfig = &SwitchConfig{}

// Kind implements NodeConfig.
func (*SwitchConfig) Kind() NodeKind { return NodeKindSwitch }

func (*SwitchConfig) validate() error { return nil }

// HubConfig configures a hub-kind node.
type HubConfig struct{}

var _ NodeConfig = &HubConfig{}

// Kind implements NodeConfig.
func (*HubConfig) Kind() NodeKind { return NodeKindHub }

func (*HubConfig) validate() error { return nil }

// WirelessConfig configures a wireless-network node.
type WirelessConfig struct {
	// Model is the name of a registered [PropagationModel]. Empty
	// means the wireless node behaves as a plain hub.
	Model string

	// Params is the model configuration passed to
	// [PropagationModel.Configure] at instantiation.
	Params map[string]string
}

var _ NodeConfig = &WirelessConfig{}

// Kind implements NodeConfig.
func (*WirelessConfig) Kind() NodeKind { return NodeKindWireless }

func (wc *WirelessConfig) validate() error {
	if wc.Model != "" && !propagationModelRegistered(wc.Model) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, wc.Model)
	}
	return nil
}

// Interface is an interface descriptor belonging to exactly one
// [Node]. The link fabric references interfaces by (node id, index)
// but never owns them.
type Interface struct {
	// Index is the interface index, unique within its node.
	Index int

	// Addr is the address assigned to the interface. It is the
	// unspecified address for broadcast-domain ports.
	Addr netip.Addr

	// name is the virtual interface name used in logs.
	name string

	// link is the id of the link this interface is bound to, or
	// zero when unbound.
	link LinkID
}

// Name returns the virtual interface name.
func (ifc *Interface) Name() string {
	return ifc.name
}

// Link returns the id of the link bound to this interface and whether
// the interface is bound at all.
func (ifc *Interface) Link() (LinkID, bool) {
	return ifc.link, ifc.link != 0
}

// Node is a topology vertex. Nodes are created through
// [Session.AddNode] and are owned by the session's registry. All
// structural mutation goes through the session, which serializes it.
type Node struct {
	// id is the node id, scoped to the owning session.
	id NodeID

	// name is the display name.
	name string

	// config is the immutable kind-specific configuration.
	config NodeConfig

	// position is the display position.
	position Position

	// ifaces holds the interface descriptors ordered by index.
	ifaces []*Interface

	// services holds attached service names in attach order.
	services []string
}

// ID returns the node id.
func (n *Node) ID() NodeID { return n.id }

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// Kind returns the immutable node kind.
func (n *Node) Kind() NodeKind { return n.config.Kind() }

// Config returns the kind-specific configuration.
func (n *Node) Config() NodeConfig { return n.config }

// Position returns the display position.
func (n *Node) Position() Position { return n.position }

// Interfaces returns the node's interface descriptors in index order.
func (n *Node) Interfaces() []*Interface {
	out := make([]*Interface, len(n.ifaces))
	copy(out, n.ifaces)
	return out
}

// Services returns the names of services attached to the node.
func (n *Node) Services() []string {
	out := make([]string, len(n.services))
	copy(out, n.services)
	return out
}

// iface returns the interface with the given index.
func (n *Node) iface(index int) (*Interface, error) {
	for _, ifc := range n.ifaces {
		if ifc.Index == index {
			return ifc, nil
		}
	}
	return nil, fmt.Errorf("%w: node %d has no interface %d", ErrUnknownInterface, n.id, index)
}

// addIface appends a new interface descriptor and returns it.
func (n *Node) addIface(addr netip.Addr) *Interface {
	ifc := &Interface{
		Index: len(n.ifaces),
		Addr:  addr,
		name:  newNICName(),
		link:  0,
	}
	n.ifaces = append(n.ifaces, ifc)
	return ifc
}

// primaryAddr returns the address of the first interface that has
// one, or the zero [netip.Addr].
func (n *Node) primaryAddr() netip.Addr {
	for _, ifc := range n.ifaces {
		if ifc.Addr.IsValid() && !ifc.Addr.IsUnspecified() {
			return ifc.Addr
		}
	}
	return netip.Addr{}
}
