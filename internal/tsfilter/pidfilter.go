// Package tsfilter implements the TS Filter read loop and PID Filter list
// from spec.md §4.3-§4.4: a single producer thread fans packets out to an
// ordered list of PID Filters, each a predicate/processor/sink triple with
// its own counters.
package tsfilter

// Predicate decides whether a PID Filter wants to see a given packet. It
// must be side-effect-free (spec.md §4.3).
type Predicate func(pid uint16) bool

// Processor may rewrite a packet in place, synthesize a fresh replacement,
// or return (nil, false) to drop it. It must not mutate or free the input
// slice if it returns a different slice (the caller may still read it).
type Processor func(pkt []byte) (out []byte, ok bool)

// Sink receives packets a Processor accepted. Errors are logged and
// counted, never propagated back into the read loop (spec.md §7,
// "Downstream").
type Sink interface {
	WritePacket(pkt []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(pkt []byte) error

func (f SinkFunc) WritePacket(pkt []byte) error { return f(pkt) }

// Stats holds one PID Filter's packet counters.
type Stats struct {
	Filtered int64 // predicate returned true
	Processed int64 // processor invoked
	Output    int64 // processor yielded a packet and the sink accepted it
	SinkErrors int64
}

// PIDFilter is one predicate -> processor -> sink record, as described in
// spec.md §3/§4.4.
type PIDFilter struct {
	Name      string
	Enabled   bool
	Predicate Predicate
	Process   Processor
	Out       Sink
	Stats     Stats

	// PIDSet is set when Predicate was built from a SimplePIDSet (e.g. by
	// NewPassthroughFilter), letting command handlers mutate the tracked
	// PID set without knowing the Predicate's origin. nil for filters with
	// a custom predicate (such as a Service Filter's).
	PIDSet *SimplePIDSet
}

// SimplePIDSet is a ready-made Predicate for filters that just pass a
// small PID set (the simple filter of spec.md §4.4). Add does not limit
// how many PIDs it holds.
type SimplePIDSet struct {
	pids map[uint16]struct{}
}

// NewSimplePIDSet builds a predicate over the given PIDs.
func NewSimplePIDSet(pids ...uint16) *SimplePIDSet {
	s := &SimplePIDSet{pids: make(map[uint16]struct{}, len(pids))}
	for _, p := range pids {
		s.pids[p] = struct{}{}
	}
	return s
}

// Contains reports PID membership; also usable directly as a Predicate.
func (s *SimplePIDSet) Contains(pid uint16) bool {
	_, ok := s.pids[pid]
	return ok
}

// Add and Remove mutate the set in place (used when a PID Filter's
// interest set changes, e.g. the addpid/rmpid commands).
func (s *SimplePIDSet) Add(pid uint16)    { s.pids[pid] = struct{}{} }
func (s *SimplePIDSet) Remove(pid uint16) { delete(s.pids, pid) }

// Len reports the number of distinct PIDs currently tracked.
func (s *SimplePIDSet) Len() int { return len(s.pids) }

// passthroughProcessor hands packets to the sink unmodified; the common
// case for a filter that only wants to observe or forward traffic.
func passthroughProcessor(pkt []byte) ([]byte, bool) { return pkt, true }

// NewPassthroughFilter returns a PIDFilter that forwards every packet
// matching pids to out, unmodified.
func NewPassthroughFilter(name string, out Sink, pids ...uint16) *PIDFilter {
	set := NewSimplePIDSet(pids...)
	return &PIDFilter{
		Name:      name,
		Enabled:   true,
		Predicate: set.Contains,
		Process:   passthroughProcessor,
		Out:       out,
		PIDSet:    set,
	}
}
