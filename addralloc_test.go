package emucore

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddrAllocator(t *testing.T) {
	t.Run("consecutive addresses skipping the network address", func(t *testing.T) {
		alloc := NewAddrAllocator(netip.MustParsePrefix("10.0.0.0/29"))
		var got []string
		for i := 0; i < 3; i++ {
			got = append(got, alloc.MustNext().String())
		}
		want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("unmasked prefixes are normalized", func(t *testing.T) {
		alloc := NewAddrAllocator(netip.MustParsePrefix("10.0.0.77/29"))
		if addr := alloc.MustNext(); addr.String() != "10.0.0.73" {
			t.Fatal("unexpected address", addr)
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		alloc := NewAddrAllocator(netip.MustParsePrefix("192.168.0.0/30"))
		for i := 0; i < 3; i++ {
			if _, err := alloc.Next(); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := alloc.Next(); !errors.Is(err, ErrResourceExhaustion) {
			t.Fatal("unexpected error", err)
		}
	})
}
