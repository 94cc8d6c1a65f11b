package emucore

//
// Static NICs for testing forwarders
//

import "sync"

// StaticReadableNIC is a [ReadableNIC] serving a static list of
// frames, after which it reads no more. Forwarder tests use it as the
// emitting end of a link. The zero value is invalid; please use
// [NewStaticReadableNIC] to construct.
type StaticReadableNIC struct {
	// available is posted once per queued frame.
	available chan any

	// closeOnce provides once semantics for Close.
	closeOnce sync.Once

	// closed is closed by Close.
	closed chan any

	// mu protects frames.
	mu sync.Mutex

	// frames is the static frame queue.
	frames []*Frame

	// name is the interface name.
	name string
}

var _ ReadableNIC = &StaticReadableNIC{}

// NewStaticReadableNIC creates a [StaticReadableNIC] with the given
// interface name serving the given payloads in order.
func NewStaticReadableNIC(name string, payloads ...[]byte) *StaticReadableNIC {
	available := make(chan any, len(payloads))
	var frames []*Frame
	for _, payload := range payloads {
		frames = append(frames, NewFrame(payload))
		available <- true
	}
	return &StaticReadableNIC{
		available: available,
		closeOnce: sync.Once{},
		closed:    make(chan any),
		mu:        sync.Mutex{},
		frames:    frames,
		name:      name,
	}
}

// FrameAvailable implements ReadableNIC.
func (n *StaticReadableNIC) FrameAvailable() <-chan any {
	return n.available
}

// ReadFrameNonblocking implements ReadableNIC.
func (n *StaticReadableNIC) ReadFrameNonblocking() (*Frame, error) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if len(n.frames) <= 0 {
		return nil, ErrNoPacket
	}
	frame := n.frames[0]
	n.frames = n.frames[1:]
	return frame, nil
}

// StackClosed implements ReadableNIC.
func (n *StaticReadableNIC) StackClosed() <-chan any {
	return n.closed
}

// InterfaceName implements ReadableNIC.
func (n *StaticReadableNIC) InterfaceName() string {
	return n.name
}

// Close unblocks forwarders waiting on [StaticReadableNIC.StackClosed].
func (n *StaticReadableNIC) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
	})
	return nil
}

// StaticWriteableNIC is a [WriteableNIC] collecting the frames
// written through it into a channel. Forwarder tests use it as the
// receiving end of a link. The zero value is invalid; please use
// [NewStaticWriteableNIC] to construct.
type StaticWriteableNIC struct {
	// frames receives the written frames.
	frames chan *Frame

	// name is the interface name.
	name string
}

var _ WriteableNIC = &StaticWriteableNIC{}

// NewStaticWriteableNIC creates a [StaticWriteableNIC] with the given
// interface name.
func NewStaticWriteableNIC(name string) *StaticWriteableNIC {
	const manyFrames = 1024
	return &StaticWriteableNIC{
		frames: make(chan *Frame, manyFrames),
		name:   name,
	}
}

// InterfaceName implements WriteableNIC.
func (n *StaticWriteableNIC) InterfaceName() string {
	return n.name
}

// WriteFrame implements WriteableNIC.
func (n *StaticWriteableNIC) WriteFrame(frame *Frame) error {
	select {
	case n.frames <- frame:
		return nil
	default:
		return ErrPacketDropped
	}
}

// Frames returns the channel receiving the written frames.
func (n *StaticWriteableNIC) Frames() <-chan *Frame {
	return n.frames
}

// StaticNIC combines a [StaticReadableNIC] and a
// [StaticWriteableNIC] into a full [NIC] test double.
type StaticNIC struct {
	*StaticReadableNIC
	*StaticWriteableNIC
}

var _ NIC = &StaticNIC{}

// NewStaticNIC creates a [StaticNIC] with the given interface name
// serving the given payloads.
func NewStaticNIC(name string, payloads ...[]byte) *StaticNIC {
	return &StaticNIC{
		StaticReadableNIC:  NewStaticReadableNIC(name, payloads...),
		StaticWriteableNIC: NewStaticWriteableNIC(name),
	}
}

// InterfaceName implements NIC.
func (n *StaticNIC) InterfaceName() string {
	return n.StaticReadableNIC.InterfaceName()
}

// IPAddress implements NIC.
func (n *StaticNIC) IPAddress() string {
	return "0.0.0.0"
}

// Close implements NIC.
func (n *StaticNIC) Close() error {
	return n.StaticReadableNIC.Close()
}
