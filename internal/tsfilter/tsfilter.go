package tsfilter

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/plextuner/plex-tuner/internal/eventbus"
	"github.com/plextuner/plex-tuner/internal/tspacket"
)

// Source is this package's eventbus.Event.Source.
const Source = "TSFilter"

// Event names fired on the bus passed to New.
const (
	EventStarted      = "Started"
	EventStopped      = "Stopped"
	EventFilterAdded  = "FilterAdded"
	EventContinuityErr = "ContinuityError"
)

// PacketReader is the packet source a TS Filter reads from. Adapter (C2)
// satisfies this for a real or fake frontend's DVR device; tests use an
// in-memory implementation. ReadPackets may return 0 bytes when no packet
// is available (Adapter does so for an empty DVR read; Run then reads
// again), and may return fewer packets than len(buf)/188.
type PacketReader interface {
	ReadPackets(ctx context.Context, buf []byte) (n int, err error)
}

// bitrateWindow is the rolling window spec.md §4.3 ("tracks... a rolling
// bitrate calculation") uses for its bits-per-second estimate.
const bitrateWindow = 1 * time.Second

// Filter owns an ordered list of PID Filters and one read loop pulling
// packets from a PacketReader, dispatching each to every enabled PID
// Filter whose Predicate matches, in list order (spec.md §4.3).
type Filter struct {
	mu      sync.Mutex
	filters []*PIDFilter
	cc      map[uint16]int8 // last continuity_counter seen per PID (bit 4: already repeated once); absent = unset

	bus *eventbus.Bus

	bytesMu   sync.Mutex
	bytesSeen int64
	windowStart time.Time
	bitrateBps  float64

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an empty Filter. bus may be nil.
func New(bus *eventbus.Bus) *Filter {
	return &Filter{
		bus: bus,
		cc:  make(map[uint16]int8),
	}
}

func (f *Filter) fire(event string, payload any) {
	if f.bus == nil {
		return
	}
	f.bus.Fire(eventbus.Event{Source: Source, Name: event}, payload)
}

// AddFilter appends a PID Filter to the end of the list. Filters are
// consulted in the order they were added (spec.md §4.4, "ordered list").
func (f *Filter) AddFilter(pf *PIDFilter) {
	f.mu.Lock()
	f.filters = append(f.filters, pf)
	f.mu.Unlock()
	f.fire(EventFilterAdded, pf.Name)
}

// RemoveFilter deletes the first PID Filter with the given name.
func (f *Filter) RemoveFilter(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pf := range f.filters {
		if pf.Name == name {
			f.filters = append(f.filters[:i], f.filters[i+1:]...)
			return true
		}
	}
	return false
}

// Find returns the named PID Filter, if present.
func (f *Filter) Find(name string) (*PIDFilter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pf := range f.filters {
		if pf.Name == name {
			return pf, true
		}
	}
	return nil, false
}

// Filters returns a snapshot of the current filter list, in dispatch order.
func (f *Filter) Filters() []*PIDFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*PIDFilter, len(f.filters))
	copy(out, f.filters)
	return out
}

// BitrateBps returns the most recently computed rolling input bitrate.
func (f *Filter) BitrateBps() float64 {
	f.bytesMu.Lock()
	defer f.bytesMu.Unlock()
	return f.bitrateBps
}

// Run starts the read loop and blocks until ctx is cancelled or r returns a
// non-nil error. Packets are read in batches and fanned out to matching PID
// Filters synchronously, one packet at a time, in list order.
func (f *Filter) Run(ctx context.Context, r PacketReader) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	defer close(f.done)

	f.fire(EventStarted, nil)
	defer f.fire(EventStopped, nil)

	const batchPackets = 348 // matches common DVR read granularity
	buf := make([]byte, batchPackets*tspacket.Size)

	f.bytesMu.Lock()
	f.windowStart = time.Now()
	f.bytesMu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.ReadPackets(ctx, buf)
		if err != nil {
			return err
		}
		for off := 0; off+tspacket.Size <= n; off += tspacket.Size {
			f.dispatch(buf[off : off+tspacket.Size])
		}
		f.accountBytes(n)
	}
}

// Stop cancels a running Run and waits for it to return.
func (f *Filter) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Filter) accountBytes(n int) {
	f.bytesMu.Lock()
	defer f.bytesMu.Unlock()
	f.bytesSeen += int64(n)
	elapsed := time.Since(f.windowStart)
	if elapsed >= bitrateWindow {
		f.bitrateBps = float64(f.bytesSeen*8) / elapsed.Seconds()
		f.bytesSeen = 0
		f.windowStart = time.Now()
	}
}

func (f *Filter) dispatch(pkt []byte) {
	if !tspacket.Valid(pkt) {
		return
	}
	pid := tspacket.PID(pkt)
	f.checkContinuity(pkt, pid)

	for _, pf := range f.Filters() {
		if !pf.Enabled || !pf.Predicate(pid) {
			continue
		}
		pf.Stats.Filtered++
		pf.Stats.Processed++
		out, ok := pf.Process(pkt)
		if !ok {
			continue
		}
		if err := pf.Out.WritePacket(out); err != nil {
			pf.Stats.SinkErrors++
			log.Printf("tsfilter: sink %q: %v", pf.Name, err)
			continue
		}
		pf.Stats.Output++
	}
}

// checkContinuity tracks continuity_counter per PID and fires
// ContinuityError on an unexpected jump. The first repeat of a counter is
// accepted as a duplicate packet; a second repeat fires. Null packets and
// packets without payload are skipped.
func (f *Filter) checkContinuity(pkt []byte, pid uint16) {
	if pid == tspacket.NullPID || !tspacket.HasPayload(pkt) {
		return
	}
	cc := int8(tspacket.ContinuityCounter(pkt))

	f.mu.Lock()
	last, seen := f.cc[pid]
	dup := seen && cc == last&0x0F && last&0x10 == 0
	if dup {
		f.cc[pid] = cc | 0x10
	} else {
		f.cc[pid] = cc
	}
	f.mu.Unlock()

	if !seen || dup {
		return
	}
	want := (last + 1) & 0x0F
	if cc != want {
		f.fire(EventContinuityErr, pid)
	}
}
