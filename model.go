package emucore

//
// Data model
//

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"syscall"
	"time"
)

// NodeID uniquely identifies a [Node] within its [Session]. Node ids
// are allocated by the session and never reused within its lifetime.
type NodeID int64

// LinkID uniquely identifies a [Link] within its [Session].
type LinkID int64

// Frame contains an IPv4 or IPv6 packet.
type Frame struct {
	// Deadline is the time when this frame should be delivered.
	Deadline time.Time

	// Payload contains the packet payload.
	Payload []byte
}

// NewFrame constructs a [Frame] for the given payload using the
// current time as the delivery deadline.
func NewFrame(payload []byte) *Frame {
	return &Frame{
		Deadline: time.Now(),
		Payload:  payload,
	}
}

// ShallowCopy returns a shallow copy of the frame. Forwarders use this
// before mutating the deadline so they never race with the emitter.
func (f *Frame) ShallowCopy() *Frame {
	return &Frame{
		Deadline: f.Deadline,
		Payload:  f.Payload,
	}
}

// FrameReader allows one to read incoming frames.
type FrameReader interface {
	// FrameAvailable returns a channel that becomes readable
	// when a new frame has arrived.
	FrameAvailable() <-chan any

	// ReadFrameNonblocking reads an incoming frame. You should only call
	// this function after FrameAvailable has been readable. This function
	// returns one of the following errors:
	//
	// - ErrStackClosed if the underlying stack has been closed;
	//
	// - ErrNoPacket if no packet is available.
	//
	// Callers should ignore ErrNoPacket and try reading again later.
	ReadFrameNonblocking() (*Frame, error)

	// StackClosed returns a channel that becomes readable when the
	// underlying execution context has been closed.
	StackClosed() <-chan any
}

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// NullLogger is a [Logger] that does not emit logs.
type NullLogger struct{}

var _ Logger = &NullLogger{}

// Debug implements Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

// NIC is a virtual network interface with which you can send and
// receive [Frame]s.
type NIC interface {
	// A NIC implements FrameReader
	FrameReader

	// Close closes this network interface.
	Close() error

	// IPAddress returns the IP address assigned to the NIC.
	IPAddress() string

	// InterfaceName returns the name of the NIC.
	InterfaceName() string

	// WriteFrame writes a frame or returns an error. This function
	// returns ErrStackClosed when the underlying stack has been closed.
	WriteFrame(frame *Frame) error
}

// ReadableNIC is the read-only portion of a [NIC].
type ReadableNIC interface {
	FrameReader
	InterfaceName() string
}

// WriteableNIC is the write-only portion of a [NIC].
type WriteableNIC interface {
	InterfaceName() string
	WriteFrame(frame *Frame) error
}

// UDPLikeConn is a net.PacketConn with some extra functions
// required to convince the QUIC library (github.com/quic-go/quic-go)
// to inflate the receive buffer of the connection.
//
// The QUIC library will treat this connection as a "dumb"
// net.PacketConn, calling its ReadFrom and WriteTo methods
// as opposed to more efficient methods that are available
// under Linux and (maybe?) FreeBSD.
type UDPLikeConn interface {
	// An UDPLikeConn is a net.PacketConn conn.
	net.PacketConn

	// SetReadBuffer allows setting the read buffer.
	SetReadBuffer(bytes int) error

	// SyscallConn returns a conn suitable for calling syscalls,
	// which is also instrumental to setting the read buffer.
	SyscallConn() (syscall.RawConn, error)
}

// UnderlyingNetwork is the network seen by code running on an
// emulated node: a replacement for functions in the [net] package
// backed by the node's execution context.
type UnderlyingNetwork interface {
	// DefaultCertPool returns the cert pool to be used, which includes
	// the session certification authority.
	DefaultCertPool() *x509.CertPool

	// DialContext dials a TCP or UDP connection. Unlike [net.DialContext],
	// this function does not implement dialing when address contains a
	// domain.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)

	// ListenTCP creates a new listening TCP socket.
	ListenTCP(network string, addr *net.TCPAddr) (net.Listener, error)

	// ListenUDP creates a new listening UDP socket.
	ListenUDP(network string, addr *net.UDPAddr) (UDPLikeConn, error)
}

// ServiceNetwork is the [UnderlyingNetwork] surface that node services
// need to listen on a realized node.
type ServiceNetwork interface {
	UnderlyingNetwork

	// IPAddress returns the node's primary IP address.
	IPAddress() string

	// Logger returns the logger to use.
	Logger() Logger

	// ServerTLSConfig returns the [tls.Config] servers on this node
	// should use. Certificates are minted on the fly by the session
	// certification authority.
	ServerTLSConfig() *tls.Config
}

// CertificationAuthority is the interface of the session CA.
type CertificationAuthority interface {
	// CACert returns the CA certificate.
	CACert() *x509.Certificate

	// DefaultCertPool returns a pool containing the CA certificate.
	DefaultCertPool() *x509.CertPool

	// ServerTLSConfig returns a server-side [tls.Config] minting
	// certificates on the fly for the requested SNI.
	ServerTLSConfig() *tls.Config
}
