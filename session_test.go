package emucore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestSession(t *testing.T, config *EngineConfig) *Session {
	t.Helper()
	session, err := NewSession(1, "test", &NullLogger{}, config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Shutdown)
	return session
}

func TestSessionAddNode(t *testing.T) {
	t.Run("every kind is constructible and immutable", func(t *testing.T) {
		session := newTestSession(t, nil)
		configs := []NodeConfig{
			&HostConfig{},
			&SwitchConfig{},
			&HubConfig{},
			&WirelessConfig{},
		}
		for _, config := range configs {
			node, err := session.AddNode("n", config)
			if err != nil {
				t.Fatal(err)
			}
			kind := node.Kind()
			got, err := session.Node(node.ID())
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind() != kind {
				t.Fatal("kind changed across lookup", kind, got.Kind())
			}
			// mutate around the node and check the kind again
			if _, err := session.AddInterface(node.ID(), netip.Addr{}); err != nil {
				t.Fatal(err)
			}
			if got.Kind() != kind {
				t.Fatal("kind changed after mutation")
			}
		}
	})

	t.Run("ids are never reused", func(t *testing.T) {
		session := newTestSession(t, nil)
		first, err := session.AddNode("a", &HostConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if err := session.RemoveNode(first.ID()); err != nil {
			t.Fatal(err)
		}
		second, err := session.AddNode("b", &HostConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if second.ID() == first.ID() {
			t.Fatal("node id was reused")
		}
	})

	t.Run("unknown propagation model is rejected", func(t *testing.T) {
		session := newTestSession(t, nil)
		_, err := session.AddNode("w", &WirelessConfig{Model: "antani"})
		if !errors.Is(err, ErrUnknownModel) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("we cannot add nodes after shutdown", func(t *testing.T) {
		session := newTestSession(t, nil)
		session.Shutdown()
		_, err := session.AddNode("n", &HostConfig{})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatal("not the error we expected", err)
		}
	})
}

func TestSessionAddLink(t *testing.T) {
	t.Run("unknown endpoints are rejected", func(t *testing.T) {
		session := newTestSession(t, nil)
		node, err := session.AddNode("a", &HostConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := session.AddLink(node.ID(), NodeID(44), nil); !errors.Is(err, ErrUnknownNode) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("the second automatic link between the same pair fails", func(t *testing.T) {
		session := newTestSession(t, nil)
		a, _ := session.AddNode("a", &HostConfig{})
		b, _ := session.AddNode("b", &HostConfig{})
		if _, err := session.AddLink(a.ID(), b.ID(), nil); err != nil {
			t.Fatal(err)
		}
		_, err := session.AddLink(a.ID(), b.ID(), nil)
		if !errors.Is(err, ErrDuplicateLink) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("parallel links require explicit unbound interfaces", func(t *testing.T) {
		session := newTestSession(t, nil)
		a, _ := session.AddNode("a", &HostConfig{})
		b, _ := session.AddNode("b", &HostConfig{})
		ifA1, _ := session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1"))
		ifB1, _ := session.AddInterface(b.ID(), netip.MustParseAddr("10.0.0.2"))
		ifA2, _ := session.AddInterface(a.ID(), netip.MustParseAddr("10.0.1.1"))
		ifB2, _ := session.AddInterface(b.ID(), netip.MustParseAddr("10.0.1.2"))

		first, err := session.AddLinkBetween(
			LinkEndpoint{Node: a.ID(), Iface: ifA1.Index},
			LinkEndpoint{Node: b.ID(), Iface: ifB1.Index}, nil)
		if err != nil {
			t.Fatal(err)
		}
		second, err := session.AddLinkBetween(
			LinkEndpoint{Node: a.ID(), Iface: ifA2.Index},
			LinkEndpoint{Node: b.ID(), Iface: ifB2.Index}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if first.ID() == second.ID() {
			t.Fatal("expected two distinct links")
		}

		// reusing a bound interface must fail
		_, err = session.AddLinkBetween(
			LinkEndpoint{Node: a.ID(), Iface: ifA1.Index},
			LinkEndpoint{Node: b.ID(), Iface: ifB2.Index}, nil)
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatal("not the error we expected", err)
		}
	})
}

func TestSessionImpairmentValidation(t *testing.T) {
	session := newTestSession(t, nil)
	a, _ := session.AddNode("a", &HostConfig{})
	b, _ := session.AddNode("b", &HostConfig{})
	prior := Impairment{Delay: 10 * time.Millisecond, Loss: 1}
	lnk, err := session.AddLink(a.ID(), b.ID(), &prior)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("negative delay", func(t *testing.T) {
		err := session.SetLinkImpairment(lnk.ID(), Impairment{Delay: -time.Second})
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("loss above 100", func(t *testing.T) {
		err := session.SetLinkImpairment(lnk.ID(), Impairment{Loss: 100.001})
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("prior values are unchanged", func(t *testing.T) {
		if diff := cmp.Diff(prior, lnk.Impairment()); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestSessionInstantiate(t *testing.T) {
	t.Run("from DEFINITION is an error", func(t *testing.T) {
		session := newTestSession(t, nil)
		if err := session.Instantiate(); !errors.Is(err, ErrInvalidState) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("two linked hosts realize with default impairment", func(t *testing.T) {
		session := newTestSession(t, nil)
		a, _ := session.AddNode("a", &HostConfig{})
		b, _ := session.AddNode("b", &HostConfig{})
		Must1(session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1")))
		Must1(session.AddInterface(b.ID(), netip.MustParseAddr("10.0.0.2")))
		lnk, err := session.AddLink(a.ID(), b.ID(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := session.Configure(); err != nil {
			t.Fatal(err)
		}
		if err := session.Instantiate(); err != nil {
			t.Fatal(err)
		}
		if session.State() != StateRuntime {
			t.Fatal("unexpected state", session.State())
		}
		for _, id := range []NodeID{a.ID(), b.ID()} {
			if _, found := session.Context(id); !found {
				t.Fatal("node not realized", id)
			}
		}
		if !lnk.Realized() {
			t.Fatal("link not realized")
		}
		if diff := cmp.Diff(Impairment{}, lnk.Impairment()); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("an isolated host without interfaces realizes", func(t *testing.T) {
		session := newTestSession(t, nil)
		node, err := session.AddNode("lonely", &HostConfig{})
		if err != nil {
			t.Fatal(err)
		}
		Must0(session.Configure())
		if err := session.Instantiate(); err != nil {
			t.Fatal(err)
		}
		if _, found := session.Context(node.ID()); !found {
			t.Fatal("node not realized")
		}
	})

	t.Run("automatic endpoints realize without declared interfaces", func(t *testing.T) {
		session := newTestSession(t, nil)
		sw, _ := session.AddNode("sw0", &SwitchConfig{})
		a, _ := session.AddNode("a", &HostConfig{})
		b, _ := session.AddNode("b", &HostConfig{})
		aLink := Must1(session.AddLink(a.ID(), sw.ID(), nil))
		bLink := Must1(session.AddLink(b.ID(), sw.ID(), nil))
		Must0(session.Configure())
		if err := session.Instantiate(); err != nil {
			t.Fatal(err)
		}
		for _, id := range []NodeID{sw.ID(), a.ID(), b.ID()} {
			if _, found := session.Context(id); !found {
				t.Fatal("node not realized", id)
			}
		}
		for _, lnk := range []*Link{aLink, bLink} {
			if !lnk.Realized() {
				t.Fatal("link not realized", lnk.ID())
			}
		}
	})

	t.Run("calling instantiate again in RUNTIME is a no-op", func(t *testing.T) {
		session := newTestSession(t, nil)
		a, _ := session.AddNode("a", &HostConfig{})
		Must1(session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1")))
		Must0(session.Configure())
		Must0(session.Instantiate())
		if err := session.Instantiate(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSessionRollback(t *testing.T) {
	session := newTestSession(t, nil)
	var ids []NodeID
	for idx := 0; idx < 5; idx++ {
		node, err := session.AddNode(fmt.Sprintf("host%d", idx), &HostConfig{})
		if err != nil {
			t.Fatal(err)
		}
		addr := netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", idx+1))
		Must1(session.AddInterface(node.ID(), addr))
		ids = append(ids, node.ID())
	}

	// fail the third stack allocation
	var calls atomic.Int64
	session.contexts.newStack = func(logger Logger, mtu uint32, addrs []netip.Addr) (*execStack, error) {
		if calls.Add(1) == 3 {
			return nil, errors.New("synthetic allocation failure")
		}
		return newExecStack(logger, mtu, addrs)
	}

	Must0(session.Configure())
	err := session.Instantiate()
	if err == nil {
		t.Fatal("expected an error")
	}
	var failure *RealizationFailure
	if !errors.As(err, &failure) {
		t.Fatal("not a RealizationFailure", err)
	}
	if !errors.Is(err, ErrResourceExhaustion) {
		t.Fatal("expected to unwrap to ErrResourceExhaustion", err)
	}
	if failure.Stage != "node" {
		t.Fatal("unexpected stage", failure.Stage)
	}
	if session.State() != StateConfiguration {
		t.Fatal("expected CONFIGURATION after rollback, got", session.State())
	}
	if session.RealizedCount() != 0 {
		t.Fatal("expected zero realized contexts, got", session.RealizedCount())
	}

	// after removing the poison the same session instantiates fine
	session.contexts.newStack = newExecStack
	if err := session.Instantiate(); err != nil {
		t.Fatal(err)
	}
	if got := session.RealizedCount(); got != len(ids) {
		t.Fatal("expected all contexts realized, got", got)
	}
}

func TestSessionShutdownTwice(t *testing.T) {
	session := newTestSession(t, nil)
	a, _ := session.AddNode("a", &HostConfig{})
	Must1(session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1")))
	Must0(session.Configure())
	Must0(session.Instantiate())

	session.Shutdown()
	if session.State() != StateShutdown {
		t.Fatal("unexpected state", session.State())
	}
	if session.RealizedCount() != 0 {
		t.Fatal("expected zero realized contexts")
	}

	// the second time must be a silent no-op
	session.Shutdown()
	if session.State() != StateShutdown {
		t.Fatal("unexpected state", session.State())
	}
}

func TestSessionStarTopology(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	session := newTestSession(t, nil)

	// client <-> switch <-> server star
	sw, _ := session.AddNode("sw0", &SwitchConfig{})
	client, _ := session.AddNode("client", &HostConfig{})
	server, _ := session.AddNode("server", &HostConfig{})
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")
	Must1(session.AddInterface(client.ID(), clientAddr))
	Must1(session.AddInterface(server.ID(), serverAddr))
	clientLink := Must1(session.AddLink(client.ID(), sw.ID(), nil))
	Must1(session.AddLink(server.ID(), sw.ID(), nil))

	Must0(session.Configure())
	if err := session.Instantiate(); err != nil {
		t.Fatal(err)
	}

	// both hosts must be reachable through the broadcast domain
	serverCtx, found := session.Context(server.ID())
	if !found {
		t.Fatal("server not realized")
	}
	serverNet := Must1(serverCtx.Network())
	listener, err := serverNet.ListenTCP("tcp", &net.TCPAddr{
		IP:   net.ParseIP(serverAddr.String()),
		Port: 54321,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buffer := make([]byte, 128)
		count, err := conn.Read(buffer)
		if err != nil {
			return
		}
		_, _ = conn.Write(buffer[:count])
	}()

	clientCtx, found := session.Context(client.ID())
	if !found {
		t.Fatal("client not realized")
	}
	clientNet := Must1(clientCtx.Network())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := clientNet.DialContext(ctx, "tcp", serverAddr.String()+":54321")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buffer := make([]byte, 128)
	count, err := conn.Read(buffer)
	if err != nil {
		t.Fatal(err)
	}
	if string(buffer[:count]) != "hello" {
		t.Fatal("unexpected echo", string(buffer[:count]))
	}

	// degrade the client link live and check that both the fabric
	// and the running forwarders observe the change
	lossy := Impairment{Loss: 50}
	if err := session.SetLinkImpairment(clientLink.ID(), lossy); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(lossy, clientLink.Impairment()); diff != "" {
		t.Fatal(diff)
	}
	if got, _ := clientLink.pipe.state.snapshot(); got.Loss != 50 {
		t.Fatal("live state not updated", got.Loss)
	}

	session.Shutdown()
	if session.RealizedCount() != 0 {
		t.Fatal("expected zero realized contexts after shutdown")
	}
}

func TestSessionWirelessConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	config := &EngineConfig{PropagationTick: Duration(50 * time.Millisecond)}
	session := newTestSession(t, config)

	wireless, err := session.AddNode("w0", &WirelessConfig{
		Model: BasicRangeModelName,
		Params: map[string]string{
			"range": "10",
			"loss":  "0",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := session.AddNode("a", &HostConfig{})
	b, _ := session.AddNode("b", &HostConfig{})
	Must1(session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1")))
	Must1(session.AddInterface(b.ID(), netip.MustParseAddr("10.0.0.2")))
	aLink := Must1(session.AddLink(a.ID(), wireless.ID(), nil))
	Must1(session.AddLink(b.ID(), wireless.ID(), nil))

	// place the stations far out of range
	Must0(session.SetNodePosition(a.ID(), Position{X: 0, Y: 0}))
	Must0(session.SetNodePosition(b.ID(), Position{X: 1000, Y: 0}))

	Must0(session.Configure())
	if err := session.Instantiate(); err != nil {
		t.Fatal(err)
	}

	binding, found := session.PropagationBinding(wireless.ID())
	if !found {
		t.Fatal("no propagation binding")
	}

	// out-of-range stations must converge to full loss within one
	// update cycle
	deadline := time.Now().Add(2 * time.Second)
	for {
		quality, computed := binding.LinkQuality(a.ID(), b.ID())
		if computed && quality.Loss == 100 && aLink.Impairment().Loss == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link quality did not converge", quality, computed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// moving a station in range must heal the link
	Must0(session.SetNodePosition(b.ID(), Position{X: 5, Y: 0}))
	deadline = time.Now().Add(2 * time.Second)
	for {
		quality, computed := binding.LinkQuality(a.ID(), b.ID())
		if computed && quality.Loss == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link quality did not heal", quality)
		}
		time.Sleep(10 * time.Millisecond)
	}

	session.Shutdown()

	// the periodic task must have acknowledged the stop
	select {
	case <-binding.done:
	default:
		t.Fatal("propagation task still running after shutdown")
	}
}

func TestSessionHotPlug(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	session := newTestSession(t, nil)
	sw, _ := session.AddNode("sw0", &SwitchConfig{})
	a, _ := session.AddNode("a", &HostConfig{})
	b, _ := session.AddNode("b", &HostConfig{})
	Must1(session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1")))
	Must1(session.AddInterface(b.ID(), netip.MustParseAddr("10.0.0.2")))
	Must1(session.AddLink(a.ID(), sw.ID(), nil))
	Must0(session.Configure())
	Must0(session.Instantiate())

	t.Run("between realized endpoints the link comes up now", func(t *testing.T) {
		lnk, err := session.AddLink(b.ID(), sw.ID(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if !lnk.Realized() {
			t.Fatal("expected an immediately realized link")
		}
	})

	t.Run("with an unrealized endpoint the link stays queued", func(t *testing.T) {
		c, _ := session.AddNode("c", &HostConfig{})
		Must1(session.AddInterface(c.ID(), netip.MustParseAddr("10.0.0.3")))
		queued, err := session.AddLink(c.ID(), sw.ID(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if queued.Realized() {
			t.Fatal("expected a queued link for an unrealized endpoint")
		}
	})

	t.Run("between realized hosts fresh interfaces bind live", func(t *testing.T) {
		// both hosts have every declared interface bound already, so
		// the automatic endpoints below are new interfaces that must
		// obtain NICs in the already-running stacks
		lnk, err := session.AddLink(a.ID(), b.ID(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if !lnk.Realized() {
			t.Fatal("expected an immediately realized link")
		}
		epA, epB := lnk.Endpoints()
		for _, ep := range []LinkEndpoint{epA, epB} {
			ctx, found := session.Context(ep.Node)
			if !found {
				t.Fatal("node not realized", ep.Node)
			}
			if _, err := ctx.NIC(ep.Iface); err != nil {
				t.Fatal(err)
			}
		}
	})
}

func TestSessionServiceConfig(t *testing.T) {
	t.Run("unknown service", func(t *testing.T) {
		session := newTestSession(t, nil)
		node, _ := session.AddNode("a", &HostConfig{})
		err := session.SetServiceConfig(node.ID(), "antani", nil)
		if !errors.Is(err, ErrUnknownService) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		session := newTestSession(t, nil)
		err := session.SetServiceConfig(NodeID(44), WebServiceName, nil)
		if !errors.Is(err, ErrUnknownNode) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("immutable service refuses reconfiguration once applied", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skip test in short mode")
		}
		session := newTestSession(t, nil)
		node, _ := session.AddNode("a", &HostConfig{})
		Must1(session.AddInterface(node.ID(), netip.MustParseAddr("10.0.0.1")))
		Must0(session.SetServiceConfig(node.ID(), WebServiceName,
			map[string]string{"body": "first"}))
		Must0(session.Configure())
		if err := session.Instantiate(); err != nil {
			t.Fatal(err)
		}
		err := session.SetServiceConfig(node.ID(), WebServiceName,
			map[string]string{"body": "second"})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatal("not the error we expected", err)
		}
	})

	t.Run("mutable service reapplies live", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skip test in short mode")
		}
		session := newTestSession(t, nil)
		node, _ := session.AddNode("a", &HostConfig{})
		Must1(session.AddInterface(node.ID(), netip.MustParseAddr("10.0.0.1")))
		Must0(session.SetServiceConfig(node.ID(), DNSServiceName,
			map[string]string{"example.local": "10.0.0.1"}))
		Must0(session.Configure())
		if err := session.Instantiate(); err != nil {
			t.Fatal(err)
		}
		if err := session.SetServiceConfig(node.ID(), DNSServiceName,
			map[string]string{"example.local": "10.0.0.7"}); err != nil {
			t.Fatal(err)
		}
		services, err := session.Services(node.ID())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{DNSServiceName}, services); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestSessionEvents(t *testing.T) {
	session := newTestSession(t, nil)
	events, unsubscribe := session.Events()
	defer unsubscribe()

	Must0(session.Configure())

	select {
	case ev := <-events:
		if ev.Type != EventStateChange {
			t.Fatal("unexpected event type", ev.Type)
		}
		if ev.State != StateConfiguration {
			t.Fatal("unexpected state", ev.State)
		}
		if ev.ID == "" {
			t.Fatal("expected a nonempty event id")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSessionRemoveNodeCascades(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	session := newTestSession(t, nil)
	sw, _ := session.AddNode("sw0", &SwitchConfig{})
	a, _ := session.AddNode("a", &HostConfig{})
	Must1(session.AddInterface(a.ID(), netip.MustParseAddr("10.0.0.1")))
	lnk := Must1(session.AddLink(a.ID(), sw.ID(), nil))
	Must0(session.Configure())
	Must0(session.Instantiate())

	if err := session.RemoveNode(a.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Node(a.ID()); !errors.Is(err, ErrUnknownNode) {
		t.Fatal("node still present", err)
	}
	if _, err := session.Link(lnk.ID()); !errors.Is(err, ErrUnknownLink) {
		t.Fatal("link still present", err)
	}
	if _, found := session.Context(a.ID()); found {
		t.Fatal("context still realized")
	}
}
