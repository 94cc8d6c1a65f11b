package emucore

//
// Node services
//

import (
	"fmt"
	"io"
	"sync"
)

// Service is a network service that can be attached to host nodes. A
// service validates its parameters when configured and is applied on
// the node's [ServiceNetwork] when the session instantiates.
//
// Implementations must be stateless: per-node state lives in the
// [io.Closer] returned by Apply.
type Service interface {
	// Name returns the service name used in configuration.
	Name() string

	// ImmutableOnceApplied returns whether the service refuses
	// configuration changes while applied on a running node.
	ImmutableOnceApplied() bool

	// Validate checks the service parameters.
	Validate(params map[string]string) error

	// Apply starts the service on the given node network. The
	// returned closer stops the running instance.
	Apply(svcnet ServiceNetwork, params map[string]string) (io.Closer, error)
}

// serviceRegistry maps a service name to its implementation.
var serviceRegistry = struct {
	mu sync.Mutex
	m  map[string]Service
}{
	m: map[string]Service{},
}

// RegisterService registers a [Service] under its own name.
// Registering twice overwrites the previous implementation.
func RegisterService(svc Service) {
	serviceRegistry.mu.Lock()
	serviceRegistry.m[svc.Name()] = svc
	serviceRegistry.mu.Unlock()
}

// lookupService returns the service registered under name.
func lookupService(name string) (Service, error) {
	defer serviceRegistry.mu.Unlock()
	serviceRegistry.mu.Lock()
	svc, found := serviceRegistry.m[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return svc, nil
}

// serviceState is the per-node state of one configured service.
type serviceState struct {
	// params is the configured parameter set.
	params map[string]string

	// instance is the running instance, nil when not applied.
	instance io.Closer
}

// applied returns whether the service is currently running.
func (ss *serviceState) applied() bool {
	return ss.instance != nil
}

// serviceConfigurator tracks per-node service configuration and the
// running instances. All calls happen with the session lock held, so
// it needs no locking of its own.
type serviceConfigurator struct {
	// logger is the logger to use.
	logger Logger

	// state maps node id and service name to service state.
	state map[NodeID]map[string]*serviceState
}

// newServiceConfigurator creates an empty [serviceConfigurator].
func newServiceConfigurator(logger Logger) *serviceConfigurator {
	return &serviceConfigurator{
		logger: logger,
		state:  map[NodeID]map[string]*serviceState{},
	}
}

// setConfig validates and stores the service configuration for a node.
// When the service is already applied and declares itself immutable,
// we return [ErrInvalidState]. When applied and mutable, the caller is
// expected to re-apply through reapply.
func (sc *serviceConfigurator) setConfig(
	node *Node, name string, params map[string]string) error {
	svc, err := lookupService(name)
	if err != nil {
		return err
	}
	if err := svc.Validate(params); err != nil {
		return err
	}
	perNode := sc.state[node.id]
	if perNode == nil {
		perNode = map[string]*serviceState{}
		sc.state[node.id] = perNode
	}
	ss := perNode[name]
	if ss == nil {
		ss = &serviceState{
			params:   nil,
			instance: nil,
		}
		perNode[name] = ss
		node.services = append(node.services, name)
	}
	if ss.applied() && svc.ImmutableOnceApplied() {
		return fmt.Errorf(
			"%w: service %s is applied and immutable", ErrInvalidState, name)
	}
	ss.params = params
	return nil
}

// configured returns whether the node has the named service configured.
func (sc *serviceConfigurator) configured(node NodeID, name string) bool {
	_, found := sc.state[node][name]
	return found
}

// applyAll applies every configured service of a node in attach order.
// On failure the services applied so far on this node are closed again
// so that partial application never leaks instances.
func (sc *serviceConfigurator) applyAll(node *Node, svcnet ServiceNetwork) error {
	var started []string
	for _, name := range node.services {
		if err := sc.applyOne(node, name, svcnet); err != nil {
			for idx := len(started) - 1; idx >= 0; idx-- {
				sc.closeOne(node.id, started[idx])
			}
			return fmt.Errorf("service %s: %w", name, err)
		}
		started = append(started, name)
	}
	return nil
}

// applyOne applies a single configured service on a node.
func (sc *serviceConfigurator) applyOne(
	node *Node, name string, svcnet ServiceNetwork) error {
	svc, err := lookupService(name)
	if err != nil {
		return err
	}
	ss := sc.state[node.id][name]
	if ss == nil {
		return fmt.Errorf("%w: %s not configured on node %d", ErrUnknownService, name, node.id)
	}
	instance, err := svc.Apply(svcnet, ss.params)
	if err != nil {
		return err
	}
	ss.instance = instance
	sc.logger.Infof("emucore: service %s up on node %d", name, node.id)
	return nil
}

// reapply restarts an applied mutable service with its current
// parameters. Calling reapply for a service that is not applied is a
// no-op.
func (sc *serviceConfigurator) reapply(
	node *Node, name string, svcnet ServiceNetwork) error {
	ss := sc.state[node.id][name]
	if ss == nil || !ss.applied() {
		return nil
	}
	sc.closeOne(node.id, name)
	return sc.applyOne(node, name, svcnet)
}

// closeOne stops the running instance of one service on one node.
func (sc *serviceConfigurator) closeOne(node NodeID, name string) {
	ss := sc.state[node][name]
	if ss == nil || !ss.applied() {
		return
	}
	if err := ss.instance.Close(); err != nil {
		sc.logger.Warnf("emucore: service %s on node %d: close: %s", name, node, err.Error())
	}
	ss.instance = nil
	sc.logger.Infof("emucore: service %s down on node %d", name, node)
}

// closeNode stops all running instances of a node in reverse attach
// order and forgets the node's configuration.
func (sc *serviceConfigurator) closeNode(node *Node) {
	for idx := len(node.services) - 1; idx >= 0; idx-- {
		sc.closeOne(node.id, node.services[idx])
	}
}

// forget drops a node's service configuration entirely.
func (sc *serviceConfigurator) forget(node NodeID) {
	delete(sc.state, node)
}
