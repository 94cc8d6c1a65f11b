package emucore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLinkForward(t *testing.T) {

	// testcase describes a test case for [linkForward]
	type testcase struct {
		// name is the name of this test case
		name string

		// impairment is the initial impairment to use
		impairment Impairment

		// enabled is the initial enabled flag
		enabled bool

		// emit contains the payloads we emit
		emit [][]byte

		// expect contains the payloads we expect to receive
		expect [][]byte

		// expectRuntimeAtLeast is the minimum runtime we expect
		// to see when running this test case
		expectRuntimeAtLeast time.Duration
	}

	var testcases = []testcase{{
		name:                 "when we send no frame",
		impairment:           Impairment{},
		enabled:              true,
		emit:                 [][]byte{},
		expect:               [][]byte{},
		expectRuntimeAtLeast: 0,
	}, {
		name:                 "when the link is transparent",
		impairment:           Impairment{},
		enabled:              true,
		emit:                 [][]byte{[]byte("abcdef"), []byte("ghi")},
		expect:               [][]byte{[]byte("abcdef"), []byte("ghi")},
		expectRuntimeAtLeast: 0,
	}, {
		name: "when the link has delay",
		impairment: Impairment{
			Delay: 250 * time.Millisecond,
		},
		enabled:              true,
		emit:                 [][]byte{[]byte("abcdef")},
		expect:               [][]byte{[]byte("abcdef")},
		expectRuntimeAtLeast: 250 * time.Millisecond,
	}, {
		name: "when the link loses everything",
		impairment: Impairment{
			Loss: 100,
		},
		enabled:              true,
		emit:                 [][]byte{[]byte("abcdef"), []byte("ghi")},
		expect:               [][]byte{},
		expectRuntimeAtLeast: 0,
	}, {
		name:                 "when the link is disabled",
		impairment:           Impairment{},
		enabled:              false,
		emit:                 [][]byte{[]byte("abcdef")},
		expect:               [][]byte{},
		expectRuntimeAtLeast: 0,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			reader := NewStaticReadableNIC("eth0", tc.emit...)
			writer := NewStaticWriteableNIC("eth1")
			state := newLinkState(tc.impairment, tc.enabled)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			wg := &sync.WaitGroup{}
			wg.Add(1)
			t0 := time.Now()
			go linkForward(ctx, state, reader, writer, wg, &NullLogger{})

			// collect the expected number of frames or give the
			// forwarder a moment to (correctly) drop everything
			got := [][]byte{}
			timer := time.NewTimer(10 * time.Second)
			defer timer.Stop()
			for len(got) < len(tc.expect) {
				select {
				case frame := <-writer.Frames():
					got = append(got, frame.Payload)
				case <-timer.C:
					t.Fatal("we have been reading frames for too much time")
				}
			}
			if len(tc.expect) <= 0 && len(tc.emit) > 0 {
				select {
				case frame := <-writer.Frames():
					t.Fatal("expected no frame, got", frame.Payload)
				case <-time.After(500 * time.Millisecond):
					// all good
				}
			}

			reader.Close()
			wg.Wait()

			if elapsed := time.Since(t0); elapsed < tc.expectRuntimeAtLeast {
				t.Fatal("expected runtime to be at least", tc.expectRuntimeAtLeast, "got", elapsed)
			}
			if diff := cmp.Diff(tc.expect, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestLinkStateLiveUpdate(t *testing.T) {
	// start with a link that loses everything, then heal it while
	// the forwarder is running and observe traffic flowing
	reader := NewStaticReadableNIC("eth0")
	writer := NewStaticWriteableNIC("eth1")
	state := newLinkState(Impairment{Loss: 100}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go linkForward(ctx, state, reader, writer, wg, &NullLogger{})

	state.update(Impairment{}, true)
	if imp, enabled := state.snapshot(); imp.Loss != 0 || !enabled {
		t.Fatal("unexpected state after update")
	}

	reader.Close()
	wg.Wait()
}

func TestLinkPipeCloseTwice(t *testing.T) {
	left := NewStaticNIC("eth0")
	right := NewStaticNIC("eth1")
	pipe := newLinkPipe(&NullLogger{}, left, right, newLinkState(Impairment{}, true), nil)
	if err := pipe.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pipe.Close(); err != nil {
		t.Fatal(err)
	}
}
