package emucore

//
// Session state machine
//

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// SessionState is a session lifecycle state.
type SessionState int

const (
	// StateDefinition is the initial state: topology mutation is
	// freely allowed.
	StateDefinition = SessionState(iota)

	// StateConfiguration still allows topology mutation and is
	// required before the session may instantiate.
	StateConfiguration

	// StateInstantiation is the transient state during which
	// execution contexts are being realized.
	StateInstantiation

	// StateRuntime is the live state: structural mutation is mostly
	// disallowed while live impairment updates are allowed.
	StateRuntime

	// StateDatacollect is the transient pre-shutdown hook point.
	StateDatacollect

	// StateShutdown is the terminal state.
	StateShutdown
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StateDefinition:
		return "DEFINITION"
	case StateConfiguration:
		return "CONFIGURATION"
	case StateInstantiation:
		return "INSTANTIATION"
	case StateRuntime:
		return "RUNTIME"
	case StateDatacollect:
		return "DATACOLLECT"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session is the root aggregate: it owns one node registry, one link
// fabric, one execution context manager, and the per-node service
// configuration, and it enforces the lifecycle state machine deciding
// when topology mutation is legal. All structural mutation is
// serialized by the session's lock; propagation updates flow through
// the fabric's own thread-safe live path instead.
//
// The zero value is invalid; please use [NewSession] to construct.
type Session struct {
	// bindings maps a wireless node id to its propagation binding.
	bindings map[NodeID]*PropagationBinding

	// ca is the session certification authority.
	ca *SessionCA

	// config is the validated engine configuration.
	config *EngineConfig

	// contexts is the execution context manager.
	contexts *ExecContextManager

	// events is the structured event stream.
	events *eventBus

	// fabric is the link fabric.
	fabric *LinkFabric

	// geo is the optional geolocation reference frame.
	geo *GeoReference

	// id is the session id.
	id int64

	// linkIDs allocates link ids.
	linkIDs idAllocator

	// logger is the logger to use.
	logger Logger

	// mu serializes structural mutation and state transitions.
	mu sync.Mutex

	// name is the session display name.
	name string

	// nodeIDs allocates node ids.
	nodeIDs idAllocator

	// posMu guards node positions so that propagation updates read
	// them without taking the structural lock.
	posMu sync.Mutex

	// registry is the node registry.
	registry *NodeRegistry

	// services is the service configurator.
	services *serviceConfigurator

	// state is the current lifecycle state.
	state SessionState
}

// NewSession creates a [Session] in the DEFINITION state. A nil
// config selects the defaults.
func NewSession(id int64, name string, logger Logger, config *EngineConfig) (*Session, error) {
	validated, err := config.Validated()
	if err != nil {
		return nil, err
	}
	ca, err := NewSessionCA()
	if err != nil {
		return nil, err
	}
	s := &Session{
		bindings: map[NodeID]*PropagationBinding{},
		ca:       ca,
		config:   validated,
		contexts: newExecContextManager(
			logger, ca, validated.MTU, validated.RealizeTimeout.Std()),
		events:   newEventBus(),
		fabric:   newLinkFabric(logger),
		geo:      nil,
		id:       id,
		linkIDs:  idAllocator{},
		logger:   logger,
		mu:       sync.Mutex{},
		name:     name,
		nodeIDs:  idAllocator{},
		posMu:    sync.Mutex{},
		registry: newNodeRegistry(),
		services: newServiceConfigurator(logger),
		state:    StateDefinition,
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// Name returns the session display name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.state
}

// CA returns the session certification authority, whose root any
// client inside the emulation should trust to speak TLS with the
// emulated servers.
func (s *Session) CA() *SessionCA { return s.ca }

// Events subscribes to the session's structured event stream and
// returns the channel along with a function cancelling the
// subscription. A subscriber that does not drain its channel loses
// events but never blocks the engine.
func (s *Session) Events() (<-chan Event, func()) {
	return s.events.subscribe()
}

// SetGeoReference anchors the session's canvas to a geodetic frame.
func (s *Session) SetGeoReference(geo *GeoReference) {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.geo = geo
}

// GeoReference returns the session's geodetic frame, possibly nil.
func (s *Session) GeoReference() *GeoReference {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.geo
}

// publish emits an event stamped with the session id and state.
func (s *Session) publish(ev Event) {
	ev.Session = s.id
	ev.State = s.state
	s.events.publish(ev)
}

// setStateLocked transitions to a new state and emits the event.
func (s *Session) setStateLocked(state SessionState) {
	s.logger.Infof("emucore: session %d: %s -> %s", s.id, s.state, state)
	s.state = state
	s.publish(Event{Type: EventStateChange})
}

//
// Topology mutation
//

// AddNode creates a node with a fresh id. It fails with
// [ErrInvalidState] in SHUTDOWN and with the config's validation
// error when the kind-specific configuration is rejected.
func (s *Session) AddNode(name string, config NodeConfig) (*Node, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return nil, fmt.Errorf("%w: add node in %s", ErrInvalidState, s.state)
	}
	if config == nil {
		return nil, fmt.Errorf("%w: nil node config", ErrInvalidParameter)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	node := &Node{
		id:       NodeID(s.nodeIDs.next()),
		name:     name,
		config:   config,
		position: Position{},
		ifaces:   nil,
		services: nil,
	}
	s.registry.add(node)
	s.logger.Debugf("emucore: session %d: add %s node %d (%s)", s.id, node.Kind(), node.ID(), name)
	return node, nil
}

// AddInterface declares a new interface on a node with the given
// address. Interfaces cannot be added to a node whose execution
// context is already realized.
func (s *Session) AddInterface(node NodeID, addr netip.Addr) (*Interface, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return nil, fmt.Errorf("%w: add interface in %s", ErrInvalidState, s.state)
	}
	n, err := s.registry.Get(node)
	if err != nil {
		return nil, err
	}
	if _, realized := s.contexts.Get(node); realized {
		return nil, fmt.Errorf("%w: node %d is realized", ErrInvalidState, node)
	}
	return n.addIface(addr), nil
}

// AddLink links two nodes. The interfaces are chosen automatically:
// the first unbound declared interface of a host endpoint, or a fresh
// descriptor otherwise. At most one automatic link may exist between
// the same endpoint pair; parallel links require explicit interface
// indices via [AddLinkBetween]. A nil impairment selects the engine
// default. In RUNTIME the link is realized immediately when both
// endpoints are realized (hot-plug) and stays queued for the next
// instantiation otherwise.
func (s *Session) AddLink(a, b NodeID, imp *Impairment) (*Link, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return nil, fmt.Errorf("%w: add link in %s", ErrInvalidState, s.state)
	}
	nodeA, err := s.registry.Get(a)
	if err != nil {
		return nil, err
	}
	nodeB, err := s.registry.Get(b)
	if err != nil {
		return nil, err
	}
	if s.fabric.directlyLinked(a, b) {
		return nil, fmt.Errorf("%w: %d and %d", ErrDuplicateLink, a, b)
	}
	epA := s.autoEndpointLocked(nodeA)
	epB := s.autoEndpointLocked(nodeB)
	return s.addLinkLocked(epA, epB, imp)
}

// AddLinkBetween links two explicit (node, interface) endpoints. This
// is the opt-in path for parallel links between the same node pair:
// no duplicate detection is performed, but both interfaces must exist
// and be unbound.
func (s *Session) AddLinkBetween(a, b LinkEndpoint, imp *Impairment) (*Link, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return nil, fmt.Errorf("%w: add link in %s", ErrInvalidState, s.state)
	}
	for _, ep := range []LinkEndpoint{a, b} {
		node, err := s.registry.Get(ep.Node)
		if err != nil {
			return nil, err
		}
		ifc, err := node.iface(ep.Iface)
		if err != nil {
			return nil, err
		}
		if _, bound := ifc.Link(); bound {
			return nil, fmt.Errorf(
				"%w: interface %d of node %d is already bound",
				ErrInvalidParameter, ep.Iface, ep.Node)
		}
	}
	return s.addLinkLocked(a, b, imp)
}

// autoEndpointLocked picks or creates the interface for an automatic
// link endpoint.
func (s *Session) autoEndpointLocked(node *Node) LinkEndpoint {
	if node.Kind() == NodeKindHost {
		for _, ifc := range node.ifaces {
			if _, bound := ifc.Link(); !bound {
				return LinkEndpoint{Node: node.id, Iface: ifc.Index}
			}
		}
	}
	ifc := node.addIface(netip.Addr{})
	return LinkEndpoint{Node: node.id, Iface: ifc.Index}
}

// addLinkLocked creates the link and hot-plugs it when applicable.
func (s *Session) addLinkLocked(a, b LinkEndpoint, imp *Impairment) (*Link, error) {
	impairment := s.config.DefaultImpairment.impairment()
	if imp != nil {
		impairment = *imp
	}
	if err := impairment.Validate(); err != nil {
		return nil, err
	}
	lnk := &Link{
		id:          LinkID(s.linkIDs.next()),
		a:           a,
		b:           b,
		mu:          sync.Mutex{},
		impairment:  impairment,
		enabled:     true,
		captureFile: "",
		pipe:        nil,
	}
	s.fabric.add(lnk)
	s.bindIfaceLocked(a, lnk.id)
	s.bindIfaceLocked(b, lnk.id)

	// hot-plug: in the live state a link between two realized
	// endpoints comes up immediately
	if s.state == StateRuntime {
		_, aUp := s.contexts.Get(a.Node)
		_, bUp := s.contexts.Get(b.Node)
		if aUp && bUp {
			if err := s.realizeLinkLocked(lnk); err != nil {
				s.unbindLinkLocked(lnk)
				_, _ = s.fabric.remove(lnk.id)
				return nil, &RealizationFailure{
					Node:       0,
					Link:       lnk.id,
					Stage:      "link",
					RolledBack: nil,
					Cause:      err,
				}
			}
		}
	}
	return lnk, nil
}

// bindIfaceLocked records the link id on an endpoint's interface.
func (s *Session) bindIfaceLocked(ep LinkEndpoint, id LinkID) {
	if node, err := s.registry.Get(ep.Node); err == nil {
		if ifc, err := node.iface(ep.Iface); err == nil {
			ifc.link = id
		}
	}
}

// unbindLinkLocked clears the link binding on both endpoints.
func (s *Session) unbindLinkLocked(lnk *Link) {
	a, b := lnk.Endpoints()
	s.bindIfaceLocked(a, 0)
	s.bindIfaceLocked(b, 0)
}

// RemoveLink removes a link, tearing down its forwarders when
// realized. It fails with [ErrUnknownLink] for an absent id and with
// [ErrInvalidState] in SHUTDOWN.
func (s *Session) RemoveLink(id LinkID) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: remove link in %s", ErrInvalidState, s.state)
	}
	lnk, err := s.fabric.Get(id)
	if err != nil {
		return err
	}
	s.teardownLinkLocked(lnk)
	s.unbindLinkLocked(lnk)
	_, err = s.fabric.remove(id)
	return err
}

// RemoveNode removes a node and cascades: its propagation binding is
// stopped, its links removed, its services closed, and its execution
// context destroyed. It fails with [ErrUnknownNode] for an absent id
// and with [ErrInvalidState] in SHUTDOWN.
func (s *Session) RemoveNode(id NodeID) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: remove node in %s", ErrInvalidState, s.state)
	}
	node, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if binding := s.bindings[id]; binding != nil {
		binding.stopAndWait()
		delete(s.bindings, id)
	}
	for _, lnk := range s.fabric.removeTouching(id) {
		s.teardownLinkLocked(lnk)
		s.unbindLinkLocked(lnk)
	}
	s.services.closeNode(node)
	s.services.forget(id)
	s.contexts.Destroy(id)
	_, err = s.registry.remove(id)
	return err
}

// SetLinkImpairment validates and applies new impairment parameters.
// When the link is realized the change reaches the running forwarders
// live, with no restart. On validation failure the prior values are
// left unchanged.
func (s *Session) SetLinkImpairment(id LinkID, imp Impairment) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: set impairment in %s", ErrInvalidState, s.state)
	}
	if err := s.fabric.ApplyImpairment(id, imp); err != nil {
		return err
	}
	s.publish(Event{Type: EventImpairmentChanged, Link: id})
	return nil
}

// SetLinkEnabled enables or disables a link. A disabled link passes
// no traffic but remains a valid topology edge.
func (s *Session) SetLinkEnabled(id LinkID, enabled bool) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: set enabled in %s", ErrInvalidState, s.state)
	}
	if err := s.fabric.SetEnabled(id, enabled); err != nil {
		return err
	}
	s.publish(Event{Type: EventImpairmentChanged, Link: id})
	return nil
}

// SetLinkCapture arranges for the link's traffic to be captured into
// a PCAP file once the link realizes. Relative file names are created
// inside the engine's capture directory. Changing the capture of an
// already-realized link is an error.
func (s *Session) SetLinkCapture(id LinkID, filename string) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: set capture in %s", ErrInvalidState, s.state)
	}
	lnk, err := s.fabric.Get(id)
	if err != nil {
		return err
	}
	if lnk.Realized() {
		return fmt.Errorf("%w: link %d is realized", ErrInvalidState, id)
	}
	if filename != "" && !filepath.IsAbs(filename) && s.config.CaptureDir != "" {
		filename = filepath.Join(s.config.CaptureDir, filename)
	}
	lnk.mu.Lock()
	lnk.captureFile = filename
	lnk.mu.Unlock()
	return nil
}

// SetNodePosition updates a node's display position and wakes up the
// propagation bindings so that wireless link quality reflects the
// move before the next scheduled tick.
func (s *Session) SetNodePosition(id NodeID, pos Position) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: set position in %s", ErrInvalidState, s.state)
	}
	node, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	s.posMu.Lock()
	node.position = pos
	s.posMu.Unlock()
	for _, binding := range s.bindings {
		binding.poke()
	}
	return nil
}

// NodePosition returns a node's display position.
func (s *Session) NodePosition(id NodeID) (Position, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	node, err := s.registry.Get(id)
	if err != nil {
		return Position{}, err
	}
	s.posMu.Lock()
	pos := node.position
	s.posMu.Unlock()
	return pos, nil
}

// SetServiceConfig validates and stores the configuration of a named
// service on a node. It fails with [ErrUnknownService] for an
// unrecognized name, [ErrUnknownNode] for an absent node, and
// [ErrInvalidState] when the service is applied on a realized node
// and declares itself immutable once applied. Configuring a mutable
// service on a realized node applies it immediately.
func (s *Session) SetServiceConfig(node NodeID, name string, params map[string]string) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return fmt.Errorf("%w: set service config in %s", ErrInvalidState, s.state)
	}
	n, err := s.registry.Get(node)
	if err != nil {
		return err
	}
	if err := s.services.setConfig(n, name, params); err != nil {
		return err
	}

	// on a realized node the new configuration takes effect now
	ctx, realized := s.contexts.Get(node)
	if !realized || s.state != StateRuntime {
		return nil
	}
	svcnet, err := ctx.Network()
	if err != nil {
		return err
	}
	if s.services.state[node][name].applied() {
		err = s.services.reapply(n, name, svcnet)
	} else {
		err = s.services.applyOne(n, name, svcnet)
	}
	if err != nil {
		return err
	}
	s.publish(Event{Type: EventServiceApplied, Node: node, Service: name})
	return nil
}

//
// Read APIs
//

// Node returns the node with the given id.
func (s *Session) Node(id NodeID) (*Node, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.registry.Get(id)
}

// Nodes returns all nodes in insertion order.
func (s *Session) Nodes() []*Node {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.registry.List()
}

// Link returns the link with the given id.
func (s *Session) Link(id LinkID) (*Link, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.fabric.Get(id)
}

// Links returns all links in insertion order.
func (s *Session) Links() []*Link {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.fabric.List()
}

// Services returns the names of services configured on a node.
func (s *Session) Services(id NodeID) ([]string, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	node, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return node.Services(), nil
}

// Context returns the realized execution context of a node and
// whether the node is realized at all.
func (s *Session) Context(id NodeID) (*ExecContext, bool) {
	return s.contexts.Get(id)
}

// RealizedCount returns the number of realized execution contexts.
func (s *Session) RealizedCount() int {
	return s.contexts.Len()
}

// PropagationBinding returns the binding of a wireless node and
// whether one is running.
func (s *Session) PropagationBinding(id NodeID) (*PropagationBinding, bool) {
	defer s.mu.Unlock()
	s.mu.Lock()
	binding, found := s.bindings[id]
	return binding, found
}

//
// Lifecycle transitions
//

// Configure transitions DEFINITION to CONFIGURATION. Calling it again
// in CONFIGURATION is a no-op; any other state is an error.
func (s *Session) Configure() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	switch s.state {
	case StateDefinition:
		s.setStateLocked(StateConfiguration)
		return nil
	case StateConfiguration:
		return nil
	default:
		return fmt.Errorf("%w: configure in %s", ErrInvalidState, s.state)
	}
}

// Instantiate realizes the whole topology: every node's execution
// context (fan-out over a bounded worker pool, join before advancing),
// then every link's forwarders, then the propagation bindings, then
// the configured services, finally transitioning to RUNTIME. Calling
// it when already past INSTANTIATION is a no-op. Any failure rolls
// the whole attempt back, leaves the session in CONFIGURATION with
// zero realized contexts, and surfaces as a [*RealizationFailure].
func (s *Session) Instantiate() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	switch s.state {
	case StateRuntime, StateDatacollect:
		return nil
	case StateConfiguration:
		// fallthrough below
	default:
		return fmt.Errorf("%w: instantiate in %s", ErrInvalidState, s.state)
	}
	s.setStateLocked(StateInstantiation)

	if err := s.instantiateLocked(); err != nil {
		var failure *RealizationFailure
		if rf, ok := err.(*RealizationFailure); ok {
			failure = rf
		} else {
			failure = &RealizationFailure{
				Node:       0,
				Link:       0,
				Stage:      "node",
				RolledBack: nil,
				Cause:      err,
			}
		}
		failure.RolledBack = s.rollbackLocked()
		s.setStateLocked(StateConfiguration)
		s.publish(Event{
			Type:  EventRealizationFailed,
			Node:  failure.Node,
			Link:  failure.Link,
			Error: failure.Error(),
		})
		return failure
	}

	s.setStateLocked(StateRuntime)
	return nil
}

// instantiateLocked drives the four instantiation stages.
func (s *Session) instantiateLocked() error {
	nodes := s.registry.List()

	// stage 1: realize every context, in parallel, join on the
	// first failure or full completion
	if err := s.realizeNodesLocked(nodes); err != nil {
		return err
	}

	// stage 2: realize every link
	for _, lnk := range s.fabric.List() {
		if lnk.Realized() {
			continue
		}
		if err := s.realizeLinkLocked(lnk); err != nil {
			return &RealizationFailure{
				Node:       0,
				Link:       lnk.ID(),
				Stage:      "link",
				RolledBack: nil,
				Cause:      err,
			}
		}
	}

	// stage 3: start the propagation bindings
	for _, node := range nodes {
		wc, ok := node.Config().(*WirelessConfig)
		if !ok || wc.Model == "" {
			continue
		}
		if err := s.startPropagationLocked(node, wc); err != nil {
			return &RealizationFailure{
				Node:       node.ID(),
				Link:       0,
				Stage:      "propagation",
				RolledBack: nil,
				Cause:      err,
			}
		}
	}

	// stage 4: apply the configured services
	for _, node := range nodes {
		if len(node.services) <= 0 {
			continue
		}
		ctx, found := s.contexts.Get(node.ID())
		if !found {
			continue
		}
		svcnet, err := ctx.Network()
		if err != nil {
			return &RealizationFailure{
				Node:       node.ID(),
				Link:       0,
				Stage:      "service",
				RolledBack: nil,
				Cause:      err,
			}
		}
		if err := s.services.applyAll(node, svcnet); err != nil {
			return &RealizationFailure{
				Node:       node.ID(),
				Link:       0,
				Stage:      "service",
				RolledBack: nil,
				Cause:      err,
			}
		}
		for _, name := range node.services {
			s.publish(Event{Type: EventServiceApplied, Node: node.ID(), Service: name})
		}
	}

	return nil
}

// realizeNodesLocked is the instantiation fan-out/join barrier.
func (s *Session) realizeNodesLocked(nodes []*Node) error {
	var (
		failed   atomic.Bool
		mu       sync.Mutex
		firstErr error
		failing  NodeID
		sem      = make(chan any, s.config.Workers)
		wg       = &sync.WaitGroup{}
	)
	for _, node := range nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			sem <- true
			defer func() { <-sem }()
			if failed.Load() {
				return
			}
			if _, err := s.contexts.Realize(node); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					failing = node.ID()
				}
				mu.Unlock()
				failed.Store(true)
				return
			}
			s.publish(Event{Type: EventNodeRealized, Node: node.ID()})
		}(node)
	}
	wg.Wait()
	if firstErr != nil {
		return &RealizationFailure{
			Node:       failing,
			Link:       0,
			Stage:      "node",
			RolledBack: nil,
			Cause:      firstErr,
		}
	}
	return nil
}

// startPropagationLocked configures, binds, and starts the
// propagation model of one wireless node.
func (s *Session) startPropagationLocked(node *Node, wc *WirelessConfig) error {
	model, err := newPropagationModel(wc.Model)
	if err != nil {
		return err
	}
	if err := model.Configure(wc.Params); err != nil {
		return err
	}
	binding := newPropagationBinding(
		s, node.ID(), wc.Model, model, s.config.PropagationTick.Std())
	if err := binding.start(); err != nil {
		return err
	}
	s.bindings[node.ID()] = binding
	return nil
}

// rollbackLocked undoes a failed instantiation attempt: bindings
// stopped, services closed, link forwarders torn down, all contexts
// destroyed. It returns the ids of the nodes whose contexts were
// destroyed, sorted for reproducibility.
func (s *Session) rollbackLocked() []NodeID {
	for id, binding := range s.bindings {
		binding.stopAndWait()
		delete(s.bindings, id)
	}
	nodes := s.registry.List()
	for idx := len(nodes) - 1; idx >= 0; idx-- {
		s.services.closeNode(nodes[idx])
	}
	links := s.fabric.List()
	for idx := len(links) - 1; idx >= 0; idx-- {
		s.teardownLinkLocked(links[idx])
	}
	var rolled []NodeID
	for _, node := range nodes {
		if _, found := s.contexts.Get(node.ID()); found {
			rolled = append(rolled, node.ID())
		}
	}
	s.contexts.DestroyAll()
	sort.Slice(rolled, func(i, j int) bool { return rolled[i] < rolled[j] })
	return rolled
}

// Collect transitions RUNTIME to DATACOLLECT, the optional hook point
// where callers harvest captures and service state before shutdown.
func (s *Session) Collect() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	switch s.state {
	case StateRuntime:
		s.setStateLocked(StateDatacollect)
		return nil
	case StateDatacollect:
		return nil
	default:
		return fmt.Errorf("%w: collect in %s", ErrInvalidState, s.state)
	}
}

// Shutdown tears the session down: propagation bindings stop first
// and are awaited (an update must never write into a torn-down link),
// then services, then link forwarders in reverse creation order, then
// execution contexts in reverse creation order. Shutdown never fails:
// teardown errors are logged and the remaining resources are still
// released. Calling it twice is a no-op the second time.
func (s *Session) Shutdown() {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.state == StateShutdown {
		return
	}
	for id, binding := range s.bindings {
		binding.stopAndWait()
		delete(s.bindings, id)
	}
	nodes := s.registry.List()
	for idx := len(nodes) - 1; idx >= 0; idx-- {
		s.services.closeNode(nodes[idx])
	}
	links := s.fabric.List()
	for idx := len(links) - 1; idx >= 0; idx-- {
		s.teardownLinkLocked(links[idx])
	}
	s.contexts.DestroyAll()
	s.setStateLocked(StateShutdown)
}

//
// Link realization
//

// realizeLinkLocked spawns the forwarders of a link. Both endpoint
// contexts must already be realized. Router ports and capture
// wrappers created here are owned by the pipe and closed with it;
// host NICs belong to their execution context and survive the link.
func (s *Session) realizeLinkLocked(lnk *Link) error {
	epA, epB := lnk.Endpoints()
	var owned []NIC

	nicA, err := s.endpointNICLocked(epA, epB, &owned)
	if err != nil {
		return err
	}
	nicB, err := s.endpointNICLocked(epB, epA, &owned)
	if err != nil {
		for _, nic := range owned {
			_ = nic.Close()
		}
		return err
	}

	impairment, enabled, captureFile := lnk.realizeParams()
	if captureFile != "" {
		capture := NewCaptureNIC(captureFile, nicA, s.logger)
		owned = append(owned, capture)
		nicA = capture
	}

	state := newLinkState(impairment, enabled)
	pipe := newLinkPipe(s.logger, nicA, nicB, state, owned)
	s.fabric.setRealized(lnk.id, pipe)
	s.publish(Event{Type: EventLinkRealized, Link: lnk.id})
	return nil
}

// endpointNICLocked resolves one link endpoint to a NIC. Broadcast
// domains get a fresh router port per attaching link; a switch
// additionally learns the route to the peer's address. Ports the
// realization creates are appended to owned.
func (s *Session) endpointNICLocked(ep, peer LinkEndpoint, owned *[]NIC) (NIC, error) {
	node, err := s.registry.Get(ep.Node)
	if err != nil {
		return nil, err
	}
	ctx, found := s.contexts.Get(ep.Node)
	if !found {
		return nil, fmt.Errorf("%w: node %d is not realized", ErrInvalidState, ep.Node)
	}
	if node.Kind().broadcastDomain() {
		port := NewRouterPort(ctx.Router())
		*owned = append(*owned, port)
		if node.Kind() == NodeKindSwitch {
			if peerNode, err := s.registry.Get(peer.Node); err == nil {
				if ifc, err := peerNode.iface(peer.Iface); err == nil &&
					ifc.Addr.IsValid() && !ifc.Addr.IsUnspecified() {
					ctx.Router().AddRoute(ifc.Addr.String(), port)
				}
			}
		}
		return port, nil
	}
	if _, err := node.iface(ep.Iface); err != nil {
		return nil, err
	}
	return ctx.bindNIC(node, ep.Iface)
}

// teardownLinkLocked stops a realized link's forwarders and removes
// the routes pointing at its router ports. Safe to call for an
// unrealized link.
func (s *Session) teardownLinkLocked(lnk *Link) {
	pipe := lnk.realizedPipe()
	if pipe == nil {
		return
	}
	for _, nic := range pipe.owned {
		if capture, ok := nic.(*CaptureNIC); ok {
			nic = capture.nic
		}
		if port, ok := nic.(*RouterPort); ok {
			port.router.DelRoute(port)
		}
	}
	pipe.Close()
	s.fabric.setRealized(lnk.id, nil)
}

//
// Propagation support
//

// wirelessStations snapshots the stations attached to a wireless
// node: each linked host peer with its current position and uplink.
// Called from propagation goroutines; deliberately avoids the
// structural lock, reading through the fabric's and registry's own
// locks plus the position lock.
func (s *Session) wirelessStations(wireless NodeID) []*Station {
	var out []*Station
	for _, lnk := range s.fabric.List() {
		if !lnk.touches(wireless) {
			continue
		}
		peer := lnk.peerOf(wireless)
		if peer.Node == wireless {
			continue
		}
		node, err := s.registry.Get(peer.Node)
		if err != nil || node.Kind() != NodeKindHost {
			continue
		}
		s.posMu.Lock()
		pos := node.position
		s.posMu.Unlock()
		out = append(out, &Station{
			Node:     peer.Node,
			Position: pos,
			Link:     lnk.ID(),
		})
	}
	return out
}
