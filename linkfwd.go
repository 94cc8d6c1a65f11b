package emucore

//
// Link frame forwarding
//

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// linkState holds the live impairment parameters shared by the two
// forwarding directions of a realized link. The zero value is
// invalid, use [newLinkState] to construct. Updates through the link
// fabric reach running forwarders on their next frame.
type linkState struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// impairment holds the current impairment parameters.
	impairment Impairment

	// enabled tells whether the link passes traffic at all.
	enabled bool
}

// newLinkState creates a new [linkState].
func newLinkState(imp Impairment, enabled bool) *linkState {
	return &linkState{
		mu:         sync.Mutex{},
		impairment: imp,
		enabled:    enabled,
	}
}

// snapshot returns the current parameters.
func (ls *linkState) snapshot() (Impairment, bool) {
	defer ls.mu.Unlock()
	ls.mu.Lock()
	return ls.impairment, ls.enabled
}

// update replaces the current parameters.
func (ls *linkState) update(imp Impairment, enabled bool) {
	ls.mu.Lock()
	ls.impairment = imp
	ls.enabled = enabled
	ls.mu.Unlock()
}

// linkPipe is a realized [Link]: two goroutines forwarding frames
// between the left and right NICs while applying the live impairment
// in [linkState]. The zero value is invalid; use [newLinkPipe].
//
// Unlike an execution context, a pipe does not own the endpoint NICs
// of host nodes: closing the pipe only stops the forwarders and
// closes the NICs the realization created itself (router ports and
// capture wrappers), so that removing a link never destroys the nodes
// it connected.
type linkPipe struct {
	// closeOnce allows Close to have a "once" semantics.
	closeOnce sync.Once

	// owned contains the NICs the realization created and must close.
	owned []NIC

	// shutdown interrupts the forwarders.
	shutdown context.CancelFunc

	// state is the shared live impairment state.
	state *linkState

	// wg allows us to wait for the forwarders to exit.
	wg *sync.WaitGroup
}

// newLinkPipe creates a [linkPipe] and spawns the two forwarding
// goroutines. The owned NICs are closed, after the forwarders have
// exited, when you call [linkPipe.Close].
func newLinkPipe(logger Logger, left, right NIC, state *linkState, owned []NIC) *linkPipe {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go linkForward(ctx, state, left, right, wg, logger)
	go linkForward(ctx, state, right, left, wg, logger)

	return &linkPipe{
		closeOnce: sync.Once{},
		owned:     owned,
		shutdown:  cancel,
		state:     state,
		wg:        wg,
	}
}

// Close stops the forwarders, waits for them to exit, and closes the
// NICs owned by this realization. It is safe to call twice.
func (lp *linkPipe) Close() error {
	lp.closeOnce.Do(func() {
		lp.shutdown()
		lp.wg.Wait()
		for _, nic := range lp.owned {
			nic.Close()
		}
	})
	return nil
}

// defaultLinkTickerInterval is the conservative ticker interval we
// use when no frame is in flight.
const defaultLinkTickerInterval = 100 * time.Millisecond

// linkForward forwards frames in one direction of a link.
func linkForward(
	ctx context.Context,
	state *linkState,
	reader ReadableNIC,
	writer WriteableNIC,
	wg *sync.WaitGroup,
	logger Logger,
) {
	logger.Debugf("emucore: link %s %s up", reader.InterfaceName(), writer.InterfaceName())
	defer func() {
		logger.Debugf("emucore: link %s %s down", reader.InterfaceName(), writer.InterfaceName())
		wg.Done()
	}()

	fwd := newLinkForwardingState(state)
	defer fwd.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-reader.StackClosed():
			return

		case <-reader.FrameAvailable():
			fwd.onFrameAvailable(reader, logger)

		case <-fwd.shouldSend():
			fwd.onWriteDeadline(writer)
		}
	}
}

// linkForwardingState is the forwarding state of one link direction.
// The zero value is invalid, please construct using
// [newLinkForwardingState]. You MUST call [linkForwardingState.stop]
// when done using this struct.
type linkForwardingState struct {
	// frames contains the frames in flight sorted by deadline.
	frames []*Frame

	// nextTX is when the transmitter is next free, used for
	// bandwidth pacing.
	nextTX time.Time

	// rnd is the random number generator for losses, duplication,
	// and jitter.
	rnd *rand.Rand

	// state is the shared live impairment state.
	state *linkState

	// tckr schedules frame transmission.
	tckr *time.Ticker
}

// newLinkForwardingState creates a [linkForwardingState].
func newLinkForwardingState(state *linkState) *linkForwardingState {
	return &linkForwardingState{
		frames: []*Frame{},
		nextTX: time.Time{},
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  state,
		tckr:   time.NewTicker(defaultLinkTickerInterval),
	}
}

// stop stops the ticker used by [linkForwardingState].
func (lfs *linkForwardingState) stop() {
	lfs.tckr.Stop()
}

// onFrameAvailable should be called when a frame is available.
func (lfs *linkForwardingState) onFrameAvailable(nic ReadableNIC, logger Logger) {
	// read frame from the reader NIC
	frame, err := nic.ReadFrameNonblocking()
	if err != nil {
		logger.Warnf("emucore: ReadFrameNonblocking: %s", err.Error())
		return
	}

	// read the live impairment parameters
	imp, enabled := lfs.state.snapshot()

	// a disabled link passes no traffic
	if !enabled {
		return
	}

	// drop this frame if needed
	if lfs.rnd.Float64()*100 < imp.Loss {
		return
	}

	// avoid potential data races
	frame = frame.ShallowCopy()

	// account for the time to serialize the frame onto the wire
	// after all previously queued frames have been sent
	now := time.Now()
	if lfs.nextTX.Before(now) {
		lfs.nextTX = now
	}
	lfs.nextTX = lfs.nextTX.Add(imp.txDuration(len(frame.Payload)))

	// compute the one way delay including jitter
	delay := imp.Delay
	if imp.Jitter > 0 {
		delay += time.Duration((lfs.rnd.Float64()*2 - 1) * float64(imp.Jitter))
		if delay < 0 {
			delay = 0
		}
	}
	frame.Deadline = lfs.nextTX.Add(delay)

	// congratulations, this frame is now in flight 🚀
	lfs.frames = append(lfs.frames, frame)

	// duplicate the frame if needed
	if lfs.rnd.Float64()*100 < imp.Duplicate {
		lfs.frames = append(lfs.frames, frame.ShallowCopy())
	}

	// jitter may reorder deadlines, so keep the queue sorted
	sort.SliceStable(lfs.frames, func(i, j int) bool {
		return lfs.frames[i].Deadline.Before(lfs.frames[j].Deadline)
	})

	// adjust the next tick such that the writer awakes just in
	// time for the first frame in flight
	d := time.Until(lfs.frames[0].Deadline)
	if d <= 0 {
		d = time.Microsecond // note: Reset panics if passed a <= 0 value
	}
	lfs.tckr.Reset(d)
}

// shouldSend returns a channel that is written every time a write deadline expires.
func (lfs *linkForwardingState) shouldSend() <-chan time.Time {
	return lfs.tckr.C
}

// onWriteDeadline should be called when a write deadline expires.
func (lfs *linkForwardingState) onWriteDeadline(nic WriteableNIC) {
	for {
		// if we have sent all the frames, return to a more conservative ticker
		// behavior that ensures we do not consume much CPU
		if len(lfs.frames) <= 0 {
			lfs.tckr.Reset(defaultLinkTickerInterval)
			break
		}

		// obtain a reference to the first frame
		frame := lfs.frames[0]

		// compute how much time in the future we should send this frame
		d := time.Until(frame.Deadline)

		// if the deadline is in the future, reset ticker accordingly
		if d > 0 {
			lfs.tckr.Reset(d)
			break
		}

		// otherwise this frame must be sent right now
		lfs.frames = lfs.frames[1:]
		_ = nic.WriteFrame(frame)
	}
}
