package emucore

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNodeRegistry(t *testing.T) {
	t.Run("lookup after add", func(t *testing.T) {
		registry := newNodeRegistry()
		node := &Node{
			id:       1,
			name:     "client",
			config:   &HostConfig{},
			position: Position{},
			ifaces:   nil,
			services: nil,
		}
		registry.add(node)
		got, err := registry.Get(1)
		if err != nil {
			t.Fatal(err)
		}
		if got != node {
			t.Fatal("got a different node")
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		registry := newNodeRegistry()
		if _, err := registry.Get(4); !errors.Is(err, ErrUnknownNode) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("list preserves insertion order", func(t *testing.T) {
		registry := newNodeRegistry()
		for _, id := range []NodeID{3, 1, 2} {
			registry.add(&Node{
				id:       id,
				name:     "n",
				config:   &HostConfig{},
				position: Position{},
				ifaces:   nil,
				services: nil,
			})
		}
		var ids []NodeID
		for _, node := range registry.List() {
			ids = append(ids, node.ID())
		}
		if diff := cmp.Diff([]NodeID{3, 1, 2}, ids); diff != "" {
			t.Fatal(diff)
		}
		if registry.Len() != 3 {
			t.Fatal("unexpected length", registry.Len())
		}
	})

	t.Run("remove", func(t *testing.T) {
		registry := newNodeRegistry()
		registry.add(&Node{
			id:       1,
			name:     "n",
			config:   &HostConfig{},
			position: Position{},
			ifaces:   nil,
			services: nil,
		})
		if _, err := registry.remove(1); err != nil {
			t.Fatal(err)
		}
		if _, err := registry.remove(1); !errors.Is(err, ErrUnknownNode) {
			t.Fatal("unexpected error", err)
		}
		if registry.Len() != 0 {
			t.Fatal("expected an empty registry")
		}
	})
}

func TestNodeInterfaces(t *testing.T) {
	node := &Node{
		id:       1,
		name:     "server",
		config:   &HostConfig{},
		position: Position{},
		ifaces:   nil,
		services: nil,
	}

	first := node.addIface(netip.MustParseAddr("10.0.0.1"))
	second := node.addIface(netip.MustParseAddr("10.0.0.2"))
	if first.Index != 0 || second.Index != 1 {
		t.Fatal("unexpected interface indexes", first.Index, second.Index)
	}
	if first.Name() == second.Name() {
		t.Fatal("interface names must be unique")
	}

	if _, err := node.iface(1); err != nil {
		t.Fatal(err)
	}
	if _, err := node.iface(7); !errors.Is(err, ErrUnknownInterface) {
		t.Fatal("unexpected error", err)
	}

	if addr := node.primaryAddr(); addr.String() != "10.0.0.1" {
		t.Fatal("unexpected primary address", addr)
	}
}
