package emucore

//
// Pluggable wireless propagation models
//

import (
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Station is a read-only snapshot of one station attached to a
// wireless network node: the peer node, its display position at
// snapshot time, and the link binding it to the wireless medium.
type Station struct {
	// Node is the station's node id.
	Node NodeID

	// Position is the station's position at snapshot time.
	Position Position

	// Link is the id of the station's uplink to the wireless node.
	Link LinkID
}

// PropagationModel is the capability set every wireless propagation
// model must provide. The engine holds no knowledge of a model's
// internals: it configures the model, starts it when the session
// instantiates, asks it for pairwise link quality on a cadence, and
// stops it before the wireless node's context is destroyed.
//
// Implementations are used by a single binding at a time and need not
// be safe for concurrent use.
type PropagationModel interface {
	// Configure validates and applies the model parameters.
	Configure(params map[string]string) error

	// Start prepares the model for a binding's periodic updates.
	Start(binding *PropagationBinding) error

	// ComputeLinkQuality returns the impairment to apply between
	// two stations of the wireless network.
	ComputeLinkQuality(a, b *Station) (Impairment, error)

	// Stop releases whatever Start acquired. The engine guarantees
	// it is called, and completes, before the bound node's
	// execution context is destroyed.
	Stop(binding *PropagationBinding) error
}

// propagationRegistry maps a model name to its factory.
var propagationRegistry = struct {
	mu sync.Mutex
	m  map[string]func() PropagationModel
}{
	m: map[string]func() PropagationModel{},
}

// RegisterPropagationModel registers a [PropagationModel] factory
// under the given name. Registering twice overwrites the previous
// factory.
func RegisterPropagationModel(name string, factory func() PropagationModel) {
	propagationRegistry.mu.Lock()
	propagationRegistry.m[name] = factory
	propagationRegistry.mu.Unlock()
}

// propagationModelRegistered returns whether a name is registered.
func propagationModelRegistered(name string) bool {
	defer propagationRegistry.mu.Unlock()
	propagationRegistry.mu.Lock()
	_, found := propagationRegistry.m[name]
	return found
}

// newPropagationModel instantiates the model registered under name.
func newPropagationModel(name string) (PropagationModel, error) {
	defer propagationRegistry.mu.Unlock()
	propagationRegistry.mu.Lock()
	factory, found := propagationRegistry.m[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return factory(), nil
}

// PropagationBinding associates one wireless node with one
// [PropagationModel] instance and runs the periodic task computing
// pairwise link quality and pushing it into the link fabric. It
// exists only while its node exists and the session is instantiated.
// The zero value is invalid; bindings are created by the session
// during instantiation.
type PropagationBinding struct {
	// done is closed when the periodic task has exited.
	done chan any

	// kick wakes the task up before its next tick, used when a
	// station position changes.
	kick chan any

	// logger is the logger to use.
	logger Logger

	// model is the bound model instance.
	model PropagationModel

	// modelName is the registered model name.
	modelName string

	// mu protects quality.
	mu sync.Mutex

	// quality records the latest computed pairwise impairment.
	quality map[pairKey]Impairment

	// session is the owning session.
	session *Session

	// stop signals the periodic task to exit.
	stop chan any

	// stopOnce ensures we only stop once.
	stopOnce sync.Once

	// tick is the update cadence.
	tick time.Duration

	// wireless is the bound wireless node id.
	wireless NodeID
}

// newPropagationBinding creates a binding. The caller must invoke
// [PropagationBinding.start] to begin periodic updates.
func newPropagationBinding(
	session *Session, wireless NodeID, modelName string,
	model PropagationModel, tick time.Duration) *PropagationBinding {
	return &PropagationBinding{
		done:      make(chan any),
		kick:      make(chan any, 1),
		logger:    session.logger,
		model:     model,
		modelName: modelName,
		mu:        sync.Mutex{},
		quality:   map[pairKey]Impairment{},
		session:   session,
		stop:      make(chan any),
		stopOnce:  sync.Once{},
		tick:      tick,
		wireless:  wireless,
	}
}

// NodeID returns the bound wireless node id.
func (pb *PropagationBinding) NodeID() NodeID { return pb.wireless }

// ModelName returns the registered name of the bound model.
func (pb *PropagationBinding) ModelName() string { return pb.modelName }

// LinkQuality returns the latest impairment computed between two
// stations, and whether that pair has been computed at all.
func (pb *PropagationBinding) LinkQuality(a, b NodeID) (Impairment, bool) {
	defer pb.mu.Unlock()
	pb.mu.Lock()
	imp, found := pb.quality[newPairKey(a, b)]
	return imp, found
}

// start starts the model and spawns the periodic task. The first
// update happens immediately so that link quality is in place within
// one cycle of instantiation.
func (pb *PropagationBinding) start() error {
	if err := pb.model.Start(pb); err != nil {
		return err
	}
	go pb.loop()
	return nil
}

// loop is the periodic task.
func (pb *PropagationBinding) loop() {
	defer close(pb.done)
	pb.logger.Debugf("emucore: propagation %s on node %d up", pb.modelName, pb.wireless)
	defer pb.logger.Debugf("emucore: propagation %s on node %d down", pb.modelName, pb.wireless)

	ticker := time.NewTicker(pb.tick)
	defer ticker.Stop()

	pb.updateOnce()
	for {
		select {
		case <-pb.stop:
			return
		case <-ticker.C:
			pb.updateOnce()
		case <-pb.kick:
			pb.updateOnce()
		}
	}
}

// poke triggers an update before the next tick.
func (pb *PropagationBinding) poke() {
	select {
	case pb.kick <- true:
	default:
	}
}

// updateOnce performs one update cycle: snapshot station positions,
// compute pairwise quality, and push the result into the link fabric
// through the live impairment path. Model errors are logged and the
// computation is retried on the next cycle.
func (pb *PropagationBinding) updateOnce() {
	stations := pb.session.wirelessStations(pb.wireless)

	// compute pairwise quality and remember, per station, the worst
	// loss among its pairs: that is what its uplink must carry for
	// the unreachable peers to actually be unreachable
	perStation := map[NodeID]Impairment{}
	var losses []float64
	for i := 0; i < len(stations); i++ {
		for j := i + 1; j < len(stations); j++ {
			a, b := stations[i], stations[j]
			imp, err := pb.model.ComputeLinkQuality(a, b)
			if err != nil {
				pb.logger.Warnf(
					"emucore: propagation %s: compute %d<->%d: %s",
					pb.modelName, a.Node, b.Node, err.Error())
				continue
			}
			pb.mu.Lock()
			pb.quality[newPairKey(a.Node, b.Node)] = imp
			pb.mu.Unlock()
			losses = append(losses, imp.Loss)
			for _, st := range []*Station{a, b} {
				cur, found := perStation[st.Node]
				if !found || imp.Loss > cur.Loss {
					perStation[st.Node] = imp
				}
			}
		}
	}

	// push the per-station result into the link fabric
	for _, st := range stations {
		imp, found := perStation[st.Node]
		if !found {
			continue
		}
		if err := pb.session.fabric.ApplyImpairment(st.Link, imp); err != nil {
			pb.logger.Warnf(
				"emucore: propagation %s: apply to link %d: %s",
				pb.modelName, st.Link, err.Error())
		}
	}

	if len(losses) > 0 {
		median, err := stats.Median(losses)
		if err == nil {
			pb.logger.Debugf(
				"emucore: propagation %s on node %d: %d pairs, median loss %.2f%%",
				pb.modelName, pb.wireless, len(losses), median)
		}
	}
}

// stopAndWait signals the periodic task to stop, waits for its
// acknowledgement, and then stops the model. Cancellation is
// cooperative: the session calls this before destroying any context
// so that no update ever writes into a torn-down link.
func (pb *PropagationBinding) stopAndWait() {
	pb.stopOnce.Do(func() {
		close(pb.stop)
		<-pb.done
		if err := pb.model.Stop(pb); err != nil {
			pb.logger.Warnf(
				"emucore: propagation %s on node %d: stop: %s",
				pb.modelName, pb.wireless, err.Error())
		}
	})
}
