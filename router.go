package emucore

//
// Broadcast-domain frame routing
//

import "sync"

// RouterPort is a port of a [Router]. Each link attaching to a
// broadcast-domain node terminates in one port. The zero value is
// invalid, use the [NewRouterPort] constructor to instantiate.
type RouterPort struct {
	// closeOnce provides once semantics for the Close method
	closeOnce sync.Once

	// closed is closed when we close this port
	closed chan any

	// ifaceName is the interface name
	ifaceName string

	// logger is the logger to use
	logger Logger

	// outgoingMu protects outgoingQueue
	outgoingMu sync.Mutex

	// outgoingNotify is posted each time a new packet is queued
	outgoingNotify chan any

	// outgoingQueue is the outgoing queue
	outgoingQueue [][]byte

	// router is the router.
	router *Router
}

// NewRouterPort creates a new [RouterPort] attached to the given [Router].
func NewRouterPort(router *Router) *RouterPort {
	const maxNotifications = 1024
	port := &RouterPort{
		closeOnce:      sync.Once{},
		closed:         make(chan any),
		logger:         router.logger,
		ifaceName:      newNICName(),
		outgoingMu:     sync.Mutex{},
		outgoingNotify: make(chan any, maxNotifications),
		outgoingQueue:  [][]byte{},
		router:         router,
	}
	router.addPort(port)
	port.logger.Debugf("emucore: ifconfig %s up", port.ifaceName)
	return port
}

var _ NIC = &RouterPort{}

// writeOutgoingPacket is the function a [Router] calls
// to write an outgoing packet of this port.
func (sp *RouterPort) writeOutgoingPacket(packet []byte) error {
	// enqueue
	sp.outgoingMu.Lock()
	sp.outgoingQueue = append(sp.outgoingQueue, packet)
	sp.outgoingMu.Unlock()

	// notify
	select {
	case <-sp.closed:
		return ErrStackClosed
	case sp.outgoingNotify <- true:
		return nil
	default:
		return ErrPacketDropped
	}
}

// FrameAvailable implements NIC
func (sp *RouterPort) FrameAvailable() <-chan any {
	return sp.outgoingNotify
}

// ReadFrameNonblocking implements NIC
func (sp *RouterPort) ReadFrameNonblocking() (*Frame, error) {
	// honour the port-closed flag
	select {
	case <-sp.closed:
		return nil, ErrStackClosed
	default:
		// fallthrough
	}

	// check whether we can read from the queue
	defer sp.outgoingMu.Unlock()
	sp.outgoingMu.Lock()
	if len(sp.outgoingQueue) <= 0 {
		return nil, ErrNoPacket
	}

	// dequeue packet
	packet := sp.outgoingQueue[0]
	sp.outgoingQueue = sp.outgoingQueue[1:]

	// wrap packet with a frame
	frame := NewFrame(packet)
	return frame, nil
}

// StackClosed implements NIC
func (sp *RouterPort) StackClosed() <-chan any {
	return sp.closed
}

// Close implements NIC
func (sp *RouterPort) Close() error {
	sp.closeOnce.Do(func() {
		sp.logger.Debugf("emucore: ifconfig %s down", sp.ifaceName)
		close(sp.closed)
	})
	return nil
}

// IPAddress implements NIC
func (sp *RouterPort) IPAddress() string {
	return "0.0.0.0"
}

// InterfaceName implements NIC
func (sp *RouterPort) InterfaceName() string {
	return sp.ifaceName
}

// WriteFrame implements NIC
func (sp *RouterPort) WriteFrame(frame *Frame) error {
	return sp.router.tryRoute(sp, frame.Payload)
}

// Router models the inside of a broadcast-domain node: it moves frames
// between [RouterPort]s. In flooding mode (hub and wireless kinds)
// every frame is copied to all other ports; otherwise frames follow
// the routing table. The zero value is invalid; construct using
// [NewRouter].
type Router struct {
	// flood indicates whether we flood rather than route.
	flood bool

	// logger is the Logger we're using.
	logger Logger

	// mu provides mutual exclusion.
	mu sync.Mutex

	// ports lists the attached ports in attach order.
	ports []*RouterPort

	// table is the routing table.
	table map[string]*RouterPort
}

// NewRouter creates a new [Router] instance.
func NewRouter(logger Logger, flood bool) *Router {
	return &Router{
		flood:  flood,
		logger: logger,
		mu:     sync.Mutex{},
		ports:  []*RouterPort{},
		table:  map[string]*RouterPort{},
	}
}

// addPort registers a newly created port.
func (r *Router) addPort(port *RouterPort) {
	r.mu.Lock()
	r.ports = append(r.ports, port)
	r.mu.Unlock()
}

// AddRoute adds a route to the routing table.
func (r *Router) AddRoute(destIP string, destPort *RouterPort) {
	r.logger.Debugf("emucore: route add %s/32 %s", destIP, destPort.ifaceName)
	r.mu.Lock()
	r.table[destIP] = destPort
	r.mu.Unlock()
}

// DelRoute removes the routes pointing at the given port.
func (r *Router) DelRoute(destPort *RouterPort) {
	r.mu.Lock()
	for addr, port := range r.table {
		if port == destPort {
			delete(r.table, addr)
		}
	}
	for i, port := range r.ports {
		if port == destPort {
			r.ports = append(r.ports[:i], r.ports[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// tryRoute attempts to route a raw packet arriving on ingress.
func (r *Router) tryRoute(ingress *RouterPort, rawInput []byte) error {
	// parse the packet
	packet, err := DissectPacket(rawInput)
	if err != nil {
		r.logger.Warnf("emucore: tryRoute: %s", err.Error())
		return err
	}

	// check whether we should drop this packet
	if ttl := packet.TimeToLive(); ttl <= 0 {
		r.logger.Warn("emucore: tryRoute: TTL exceeded in transit")
		return ErrPacketDropped
	}
	packet.DecrementTimeToLive()

	// serialize a TCP or UDP packet while ignoring other protocols
	rawOutput, err := packet.Serialize()
	if err != nil {
		r.logger.Warnf("emucore: tryRoute: %s", err.Error())
		return err
	}

	// flooding mode: copy to every other port
	if r.flood {
		r.mu.Lock()
		ports := append([]*RouterPort{}, r.ports...)
		r.mu.Unlock()
		for _, port := range ports {
			if port == ingress {
				continue
			}
			_ = port.writeOutgoingPacket(rawOutput)
		}
		return nil
	}

	// figure out the port where to emit the packet
	destAddr := packet.DestinationIPAddress()
	r.mu.Lock()
	destPort := r.table[destAddr]
	r.mu.Unlock()
	if destPort == nil {
		r.logger.Warnf("emucore: tryRoute: %s: no route to host", destAddr)
		return ErrPacketDropped
	}

	return destPort.writeOutgoingPacket(rawOutput)
}
