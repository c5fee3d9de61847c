package tsfilter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plextuner/plex-tuner/internal/eventbus"
	"github.com/plextuner/plex-tuner/internal/tspacket"
)

// fakeReader replays a fixed buffer of packets once, then blocks until ctx
// is cancelled; it mimics a DVR device that has drained its backlog.
type fakeReader struct {
	packets [][]byte
	sent    bool
}

func (r *fakeReader) ReadPackets(ctx context.Context, buf []byte) (int, error) {
	if !r.sent {
		r.sent = true
		n := 0
		for _, p := range r.packets {
			n += copy(buf[n:], p)
		}
		return n, nil
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func makePacket(pid uint16, cc byte, payloadStart bool) []byte {
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	if payloadStart {
		p[1] |= 0x40
	}
	p[2] = byte(pid)
	p[3] = 0x10 | (cc & 0x0F) // payload-only, given cc
	return p
}

func TestDispatchInListOrder(t *testing.T) {
	f := New(nil)
	var mu sync.Mutex
	var order []string

	mkSink := func(name string) Sink {
		return SinkFunc(func(pkt []byte) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	f.AddFilter(NewPassthroughFilter("first", mkSink("first"), 0x100))
	f.AddFilter(NewPassthroughFilter("second", mkSink("second"), 0x100))

	f.dispatch(makePacket(0x100, 0, true))

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("dispatch order = %v, want [first second]", order)
	}
}

func TestDispatchSkipsNonMatchingPID(t *testing.T) {
	f := New(nil)
	called := false
	f.AddFilter(NewPassthroughFilter("only-0x200", SinkFunc(func(pkt []byte) error {
		called = true
		return nil
	}), 0x200))

	f.dispatch(makePacket(0x100, 0, true))
	if called {
		t.Fatal("sink invoked for a PID the filter does not track")
	}
}

func TestContinuityErrorFiresOnGap(t *testing.T) {
	bus := eventbus.New()
	f := New(bus)
	var gaps int
	bus.RegisterGlobal(func(ev eventbus.Event, payload any) {
		if ev.Source == Source && ev.Name == EventContinuityErr {
			gaps++
		}
	})

	f.checkContinuity(makePacket(0x100, 0, true), 0x100)
	f.checkContinuity(makePacket(0x100, 2, true), 0x100) // skipped 1 -> gap

	if gaps != 1 {
		t.Fatalf("ContinuityError fired %d times, want 1", gaps)
	}
	f.mu.Lock()
	last := f.cc[0x100]
	f.mu.Unlock()
	if last != 2 {
		t.Fatalf("last continuity counter = %d, want 2", last)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := New(nil)
	reader := &fakeReader{packets: [][]byte{makePacket(0x100, 0, true)}}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx, reader) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run returned nil error, want context.Canceled")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestAddAndRemoveFilter(t *testing.T) {
	f := New(nil)
	f.AddFilter(NewPassthroughFilter("a", SinkFunc(func([]byte) error { return nil })))
	if _, ok := f.Find("a"); !ok {
		t.Fatal("filter \"a\" not found after AddFilter")
	}
	if !f.RemoveFilter("a") {
		t.Fatal("RemoveFilter returned false for an existing filter")
	}
	if _, ok := f.Find("a"); ok {
		t.Fatal("filter \"a\" still found after RemoveFilter")
	}
}
