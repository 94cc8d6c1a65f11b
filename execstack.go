package emucore

//
// GVisor-based userspace execution stack.
//
// Adapted from https://github.com/WireGuard/wireguard-go
//
// SPDX-License-Identifier: MIT
//

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// execStack is a TCP/IP stack in userspace backing one host-kind
// node. Seen from above the stack allows creating TCP and UDP
// connections. Seen from below, each declared node interface maps to
// one [virtualIface] through which the link fabric reads and writes
// raw IP packets. The zero value of this structure is invalid;
// please, use [newExecStack] to instantiate.
type execStack struct {
	// closeOnce ensures that Close has once semantics.
	closeOnce sync.Once

	// closed is closed by Close and signals that we should
	// not perform any further TCP/IP operation.
	closed chan any

	// ifaces holds one virtual interface per assigned address, in
	// the node's interface order.
	ifaces []*virtualIface

	// logger is the logger to use.
	logger Logger

	// mtu is the MTU of each virtual interface.
	mtu uint32

	// stack is the network stack in userspace.
	stack *stack.Stack
}

// newExecStack creates an [execStack] with one virtual interface per
// given address. An invalid address creates an interface with no
// assigned address, which still forwards frames: this is what backs
// endpoints the link fabric creates automatically. The default route
// uses the first interface, when there is one.
func newExecStack(logger Logger, mtu uint32, addrs []netip.Addr) (*execStack, error) {
	// create options for the new stack
	stackOptions := stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
		},
		HandleLocal: true,
	}

	es := &execStack{
		closeOnce: sync.Once{},
		closed:    make(chan any),
		ifaces:    nil,
		logger:    logger,
		mtu:       mtu,
		stack:     stack.New(stackOptions),
	}

	// create one NIC per address
	for _, addr := range addrs {
		if _, err := es.addIface(addr); err != nil {
			return nil, err
		}
	}

	// the default route points at the first interface
	if len(es.ifaces) > 0 {
		es.stack.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: es.ifaces[0].nic})
		logger.Debugf("emucore: ip route add default dev %s", es.ifaces[0].name)
	}
	return es, nil
}

// addIface creates a new NIC, assigns the address when one is given,
// and appends the interface to the stack.
func (es *execStack) addIface(addr netip.Addr) (*virtualIface, error) {
	if addr.IsValid() && !addr.Is4() {
		return nil, syscall.EAFNOSUPPORT
	}
	vif := &virtualIface{
		addr:     addr,
		endpoint: channel.New(1024, es.mtu, ""),
		incoming: make(chan any),
		name:     newNICName(),
		nic:      tcpip.NICID(len(es.ifaces) + 1),
		owner:    es,
	}

	// register the iface as the notification target for gvisor
	vif.endpoint.AddNotify(vif)

	if err := es.stack.CreateNIC(vif.nic, vif.endpoint); err != nil {
		return nil, errors.New(err.String())
	}

	// configure the IPv4 address for the NIC we created
	if addr.IsValid() {
		protoAddr := tcpip.ProtocolAddress{
			Protocol:          ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.Address(addr.AsSlice()).WithPrefix(),
		}
		if err := es.stack.AddProtocolAddress(vif.nic, protoAddr, stack.AddressProperties{}); err != nil {
			return nil, errors.New(err.String())
		}
		es.logger.Debugf("emucore: ifconfig %s %s up", vif.name, addr)
	}

	es.ifaces = append(es.ifaces, vif)
	es.logger.Debugf("emucore: ifconfig %s mtu %d", vif.name, es.mtu)
	return vif, nil
}

// iface returns the virtual interface with the given index.
func (es *execStack) iface(index int) (*virtualIface, error) {
	if index < 0 || index >= len(es.ifaces) {
		return nil, fmt.Errorf("%w: no interface with index %d", ErrUnknownInterface, index)
	}
	return es.ifaces[index], nil
}

// ensureIface returns the virtual interface with the given index,
// creating the next NIC in the live stack when the index is the first
// unbound one. Hot-plugged links bind their endpoints through this
// path after the stack has been built.
func (es *execStack) ensureIface(index int, addr netip.Addr) (*virtualIface, error) {
	if index == len(es.ifaces) {
		return es.addIface(addr)
	}
	return es.iface(index)
}

// IPAddress returns the stack's primary IP address, that is the
// address of the first interface that has one.
func (es *execStack) IPAddress() string {
	for _, vif := range es.ifaces {
		if vif.addr.IsValid() {
			return vif.addr.String()
		}
	}
	return "0.0.0.0"
}

// Close ensures that we cannot send and recv additional packets and
// that we cannot establish new TCP/UDP connections.
func (es *execStack) Close() error {
	es.closeOnce.Do(func() {
		// synchronize with other users (MUST be first)
		close(es.closed)

		// tell the user the interfaces have been closed
		for _, vif := range es.ifaces {
			es.logger.Debugf("emucore: ifconfig %s down", vif.name)
		}
		es.logger.Debug("emucore: ip route del default")
	})
	return nil
}

// DialContextTCPAddrPort establishes a new TCP connection.
func (es *execStack) DialContextTCPAddrPort(
	ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	fa, pn := gvisorConvertToFullAddr(addr)
	return gonet.DialContextTCP(ctx, es.stack, fa, pn)
}

// ListenTCPAddrPort creates a new listening TCP socket.
func (es *execStack) ListenTCPAddrPort(addr netip.AddrPort) (*gonet.TCPListener, error) {
	fa, pn := gvisorConvertToFullAddr(addr)
	return gonet.ListenTCP(es.stack, fa, pn)
}

// DialUDPAddrPort allows to create UDP sockets. Using a nil
// raddr is equivalent to [net.ListenUDP]. Using nil laddr instead
// is equivalent to [net.DialContext] with an "udp" network.
func (es *execStack) DialUDPAddrPort(laddr, raddr netip.AddrPort) (*gonet.UDPConn, error) {
	var lfa, rfa *tcpip.FullAddress
	var pn tcpip.NetworkProtocolNumber

	if laddr.IsValid() || laddr.Port() > 0 {
		var addr tcpip.FullAddress
		addr, pn = gvisorConvertToFullAddr(laddr)
		lfa = &addr
	}

	if raddr.IsValid() || raddr.Port() > 0 {
		var addr tcpip.FullAddress
		addr, pn = gvisorConvertToFullAddr(raddr)
		rfa = &addr
	}

	return gonet.DialUDP(es.stack, lfa, rfa, pn)
}

// virtualIface is one NIC of an [execStack]. It is the endpoint the
// link fabric binds links to. Its lifetime is owned by the stack:
// closing the stack closes every interface, while Close on the
// interface itself is a no-op so that link teardown never destroys
// the node it was attached to.
type virtualIface struct {
	// addr is the assigned IPv4 address.
	addr netip.Addr

	// endpoint is the gvisor channel endpoint.
	endpoint *channel.Endpoint

	// incoming is posted by GVisor when there is an incoming IP packet.
	incoming chan any

	// name is the interface name.
	name string

	// nic is the gvisor NIC id.
	nic tcpip.NICID

	// owner is the owning stack.
	owner *execStack
}

var _ NIC = &virtualIface{}

// IPAddress implements NIC
func (vif *virtualIface) IPAddress() string {
	if !vif.addr.IsValid() {
		return "0.0.0.0"
	}
	return vif.addr.String()
}

// InterfaceName implements NIC.
func (vif *virtualIface) InterfaceName() string {
	return vif.name
}

// FrameAvailable implements NIC
func (vif *virtualIface) FrameAvailable() <-chan any {
	return vif.incoming
}

// StackClosed implements NIC
func (vif *virtualIface) StackClosed() <-chan any {
	return vif.owner.closed
}

// Close implements NIC. The interface is owned by its stack, so this
// is a no-op: use [execStack.Close] to tear the whole context down.
func (vif *virtualIface) Close() error {
	return nil
}

// ReadFrameNonblocking implements NIC
func (vif *virtualIface) ReadFrameNonblocking() (*Frame, error) {
	// avoid reading if we've been closed
	select {
	case <-vif.owner.closed:
		return nil, io.EOF
	default:
	}

	// obtain the packet buffer from the endpoint
	pktbuf := vif.endpoint.Read()
	if pktbuf.IsNil() {
		return nil, syscall.EAGAIN
	}
	view := pktbuf.ToView()
	pktbuf.DecRef()

	// read the actual packet payload
	buffer := make([]byte, vif.endpoint.MTU())
	count, err := view.Read(buffer)
	if err != nil {
		return nil, err
	}

	// prepare the outgoing frame
	payload := buffer[:count]
	frame := &Frame{
		Deadline: time.Now(),
		Payload:  payload,
	}
	return frame, nil
}

// WriteNotify implements channel.Notification. GVisor will call this
// callback function everytime there's a new readable packet.
func (vif *virtualIface) WriteNotify() {
	vif.incoming <- true
}

// WriteFrame implements NIC
func (vif *virtualIface) WriteFrame(frame *Frame) error {
	// there is clearly a race condition with closing but the intent is just
	// to behave and return ErrClosed long after we've been closed
	select {
	case <-vif.owner.closed:
		return net.ErrClosed
	default:
	}

	// the following code is already ready for supporting IPv6
	// should we want to do that in the future
	packet := frame.Payload
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: bufferv2.MakeWithData(packet)})
	switch packet[0] >> 4 {
	case 4:
		vif.endpoint.InjectInbound(header.IPv4ProtocolNumber, pkb)
	case 6:
		vif.endpoint.InjectInbound(header.IPv6ProtocolNumber, pkb)
	}

	return nil
}

// gvisorConvertToFullAddr is a convenience function for converting
// a [netip.AddrPort] to the kind of addrs used by GVisor.
func gvisorConvertToFullAddr(endpoint netip.AddrPort) (tcpip.FullAddress, tcpip.NetworkProtocolNumber) {
	var protoNumber tcpip.NetworkProtocolNumber

	// the following code is already ready for supporting IPv6
	// should we want to do that in the future
	if endpoint.Addr().Is4() {
		protoNumber = ipv4.ProtocolNumber
	} else {
		protoNumber = ipv6.ProtocolNumber
	}

	fa := tcpip.FullAddress{
		NIC:  0,
		Addr: tcpip.Address(endpoint.Addr().AsSlice()),
		Port: endpoint.Port(),
	}

	return fa, protoNumber
}
