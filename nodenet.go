package emucore

//
// NodeNetwork: the net-like surface of a realized host node.
//

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// NodeNetwork exposes a realized host node's execution context as an
// [UnderlyingNetwork]: code holding a NodeNetwork dials and listens
// through the emulated topology instead of the host network. The zero
// value is invalid; obtain one with [ExecContext.Network].
type NodeNetwork struct {
	// ca is the session certification authority.
	ca CertificationAuthority

	// logger is the logger to use.
	logger Logger

	// stack is the node's userspace stack.
	stack *execStack
}

var _ ServiceNetwork = &NodeNetwork{}

// DefaultCertPool implements UnderlyingNetwork
func (nn *NodeNetwork) DefaultCertPool() *x509.CertPool {
	return nn.ca.DefaultCertPool()
}

// IPAddress implements ServiceNetwork
func (nn *NodeNetwork) IPAddress() string {
	return nn.stack.IPAddress()
}

// Logger implements ServiceNetwork
func (nn *NodeNetwork) Logger() Logger {
	return nn.logger
}

// ServerTLSConfig implements ServiceNetwork
func (nn *NodeNetwork) ServerTLSConfig() *tls.Config {
	return nn.ca.ServerTLSConfig()
}

// DialContext implements UnderlyingNetwork
func (nn *NodeNetwork) DialContext(
	ctx context.Context, network string, address string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)

	// parse the address into a [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	switch network {
	case "tcp":
		conn, err = nn.stack.DialContextTCPAddrPort(ctx, addrport)

	case "udp":
		conn, err = nn.stack.DialUDPAddrPort(netip.AddrPort{}, addrport)

	default:
		return nil, syscall.EPROTOTYPE
	}

	if err != nil {
		return nil, mapStackError(err)
	}

	// wrap the returned connection to correctly map errors
	return &nodeConnWrapper{conn}, nil
}

// ListenTCP implements UnderlyingNetwork
func (nn *NodeNetwork) ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error) {
	if network != "tcp" {
		return nil, syscall.EPROTOTYPE
	}
	ipaddr, good := netip.AddrFromSlice(addr.IP)
	if !good {
		return nil, syscall.EADDRNOTAVAIL
	}
	addrport := netip.AddrPortFrom(ipaddr.Unmap(), uint16(addr.Port))
	listener, err := nn.stack.ListenTCPAddrPort(addrport)
	if err != nil {
		return nil, mapStackError(err)
	}
	return &nodeListenerWrapper{listener}, nil
}

// ListenUDP implements UnderlyingNetwork
func (nn *NodeNetwork) ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error) {
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}
	ipaddr, good := netip.AddrFromSlice(addr.IP)
	if !good {
		return nil, syscall.EADDRNOTAVAIL
	}
	addrport := netip.AddrPortFrom(ipaddr.Unmap(), uint16(addr.Port))
	pconn, err := nn.stack.DialUDPAddrPort(addrport, netip.AddrPort{})
	if err != nil {
		return nil, mapStackError(err)
	}
	return &nodePacketConnWrapper{pconn}, nil
}

// stackSuffixToError maps a gvisor error suffix to an stdlib error.
type stackSuffixToError struct {
	// suffix is the gvisor err.Error() suffix.
	suffix string

	// err is generally a syscall error but it could
	// also be any other stdlib error.
	err error
}

// allStackSyscallErrors defines [stackSuffixToError] rules for the
// gvisor errors that code running on an emulated node cares about.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
var allStackSyscallErrors = []*stackSuffixToError{{
	suffix: "endpoint is closed for receive",
	err:    net.ErrClosed,
}, {
	suffix: "endpoint is closed for send",
	err:    net.ErrClosed,
}, {
	suffix: "connection aborted",
	err:    syscall.ECONNABORTED,
}, {
	suffix: "connection was refused",
	err:    syscall.ECONNREFUSED,
}, {
	suffix: "connection reset by peer",
	err:    syscall.ECONNRESET,
}, {
	suffix: "network is unreachable",
	err:    syscall.ENETUNREACH,
}, {
	suffix: "no route to host",
	err:    syscall.EHOSTUNREACH,
}, {
	suffix: "host is down",
	err:    syscall.EHOSTDOWN,
}, {
	suffix: "machine is not on the network",
	err:    syscall.ENETDOWN,
}, {
	suffix: "operation timed out",
	err:    syscall.ETIMEDOUT,
}, {
	suffix: "endpoint is in invalid state",
	err:    syscall.EINVAL,
}}

// mapStackError maps a gvisor error to an stdlib error.
func mapStackError(err error) error {
	if err != nil {
		estring := err.Error()
		for _, entry := range allStackSyscallErrors {
			if strings.HasSuffix(estring, entry.suffix) {
				return entry.err
			}
		}
	}
	return err
}

// nodeConnWrapper wraps a [net.Conn] to remap gvisor errors
// so that we can emulate stdlib errors.
type nodeConnWrapper struct {
	c net.Conn
}

var _ net.Conn = &nodeConnWrapper{}

// Close implements net.Conn
func (ncw *nodeConnWrapper) Close() error {
	return ncw.c.Close()
}

// LocalAddr implements net.Conn
func (ncw *nodeConnWrapper) LocalAddr() net.Addr {
	return ncw.c.LocalAddr()
}

// Read implements net.Conn
func (ncw *nodeConnWrapper) Read(b []byte) (n int, err error) {
	count, err := ncw.c.Read(b)
	return count, mapStackError(err)
}

// RemoteAddr implements net.Conn
func (ncw *nodeConnWrapper) RemoteAddr() net.Addr {
	return ncw.c.RemoteAddr()
}

// SetDeadline implements net.Conn
func (ncw *nodeConnWrapper) SetDeadline(t time.Time) error {
	return ncw.c.SetDeadline(t)
}

// SetReadDeadline implements net.Conn
func (ncw *nodeConnWrapper) SetReadDeadline(t time.Time) error {
	return ncw.c.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (ncw *nodeConnWrapper) SetWriteDeadline(t time.Time) error {
	return ncw.c.SetWriteDeadline(t)
}

// Write implements net.Conn
func (ncw *nodeConnWrapper) Write(b []byte) (n int, err error) {
	count, err := ncw.c.Write(b)
	return count, mapStackError(err)
}

// nodePacketConnWrapper wraps a [*gonet.UDPConn] such that we can use
// this connection with quic-go and remaps gvisor errors to emulate
// actual stdlib errors.
type nodePacketConnWrapper struct {
	c *gonet.UDPConn
}

var (
	_ UDPLikeConn     = &nodePacketConnWrapper{}
	_ syscall.RawConn = &nodePacketConnWrapper{}
)

// Close implements UDPLikeConn
func (npw *nodePacketConnWrapper) Close() error {
	return npw.c.Close()
}

// LocalAddr implements UDPLikeConn
func (npw *nodePacketConnWrapper) LocalAddr() net.Addr {
	return npw.c.LocalAddr()
}

// ReadFrom implements UDPLikeConn
func (npw *nodePacketConnWrapper) ReadFrom(p []byte) (int, net.Addr, error) {
	count, addr, err := npw.c.ReadFrom(p)
	return count, addr, mapStackError(err)
}

// SetDeadline implements UDPLikeConn
func (npw *nodePacketConnWrapper) SetDeadline(t time.Time) error {
	return npw.c.SetDeadline(t)
}

// SetReadDeadline implements UDPLikeConn
func (npw *nodePacketConnWrapper) SetReadDeadline(t time.Time) error {
	return npw.c.SetReadDeadline(t)
}

// SetWriteDeadline implements UDPLikeConn
func (npw *nodePacketConnWrapper) SetWriteDeadline(t time.Time) error {
	return npw.c.SetWriteDeadline(t)
}

// WriteTo implements UDPLikeConn
func (npw *nodePacketConnWrapper) WriteTo(p []byte, addr net.Addr) (int, error) {
	count, err := npw.c.WriteTo(p, addr)
	return count, mapStackError(err)
}

// Implementation note: the following function calls are all stubs and
// they should nonetheless work with quic-go.

// SetReadBuffer implements UDPLikeConn
func (npw *nodePacketConnWrapper) SetReadBuffer(bytes int) error {
	return nil
}

// SyscallConn implements UDPLikeConn
func (npw *nodePacketConnWrapper) SyscallConn() (syscall.RawConn, error) {
	return npw, nil
}

// Control implements syscall.RawConn
func (npw *nodePacketConnWrapper) Control(f func(fd uintptr)) error {
	return nil
}

// Read implements syscall.RawConn
func (npw *nodePacketConnWrapper) Read(f func(fd uintptr) (done bool)) error {
	return nil
}

// Write implements syscall.RawConn
func (npw *nodePacketConnWrapper) Write(f func(fd uintptr) (done bool)) error {
	return nil
}

// nodeListenerWrapper wraps a [net.Listener] and maps gvisor
// errors to the corresponding stdlib errors.
type nodeListenerWrapper struct {
	l *gonet.TCPListener
}

var _ net.Listener = &nodeListenerWrapper{}

// Accept implements net.Listener
func (nlw *nodeListenerWrapper) Accept() (net.Conn, error) {
	conn, err := nlw.l.Accept()
	if err != nil {
		return nil, mapStackError(err)
	}
	return &nodeConnWrapper{conn}, nil
}

// Addr implements net.Listener
func (nlw *nodeListenerWrapper) Addr() net.Addr {
	return nlw.l.Addr()
}

// Close implements net.Listener
func (nlw *nodeListenerWrapper) Close() error {
	return nlw.l.Close()
}
