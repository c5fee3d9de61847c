// Package coordinator wires the PSI table processors (internal/psi) to the
// Cache (internal/cache) and the TS Filter's PID Filter list
// (internal/tsfilter), per spec.md §4.5/§4.6: PAT changes drive which PMT
// PIDs are watched, and every decoded table updates the Cache under one
// lock.
package coordinator

import (
	"sync"
	"time"

	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/psi"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
)

// observerSink discards every packet; PSI PID Filters only ever run a
// Processor for its Feed side effect, never deliver downstream.
type observerSink struct{}

func (observerSink) WritePacket([]byte) error { return nil }

// Coordinator owns one PATProcessor, one SDTProcessor, one NITProcessor,
// one time-table processor, and a dynamically-grown set of PMTProcessors
// (one per learned service_id, even when several services share a PMT
// PID), each registered as an observer PID Filter on the given
// tsfilter.Filter.
type Coordinator struct {
	cache *cache.Cache
	tsf   *tsfilter.Filter
	atsc  bool

	mu      sync.Mutex
	pmtSvcs map[uint16]bool // service_ids already registered as PMT observer PID Filters
}

// New returns a Coordinator. atsc selects the ATSC System Time Table
// (PID 0x1FFB) instead of DVB TDT/TOT (PID 0x14) for wall-clock time.
func New(c *cache.Cache, tsf *tsfilter.Filter, atsc bool) *Coordinator {
	return &Coordinator{
		cache:   c,
		tsf:     tsf,
		atsc:    atsc,
		pmtSvcs: make(map[uint16]bool),
	}
}

// Start registers the static PSI PID Filters: PAT, SDT, NIT, and the
// wall-clock table for the selected delivery family. Call once after the
// TS Filter is constructed and before Run.
func (co *Coordinator) Start() {
	pat := psi.NewPATProcessor(co.onPAT)
	co.tsf.AddFilter(&tsfilter.PIDFilter{
		Name:      "psi:pat",
		Enabled:   true,
		Predicate: func(pid uint16) bool { return pid == psi.PATPID },
		Process:   observerProcessor(pat.Feed),
		Out:       observerSink{},
	})

	sdt := psi.NewSDTProcessor(co.onSDT)
	co.tsf.AddFilter(&tsfilter.PIDFilter{
		Name:      "psi:sdt",
		Enabled:   true,
		Predicate: func(pid uint16) bool { return pid == psi.SDTPID },
		Process:   observerProcessor(sdt.Feed),
		Out:       observerSink{},
	})

	nit := psi.NewNITProcessor(co.onNIT)
	co.tsf.AddFilter(&tsfilter.PIDFilter{
		Name:      "psi:nit",
		Enabled:   true,
		Predicate: func(pid uint16) bool { return pid == psi.NITPID },
		Process:   observerProcessor(nit.Feed),
		Out:       observerSink{},
	})

	if co.atsc {
		stt := psi.NewSTTProcessor(co.onTime)
		co.tsf.AddFilter(&tsfilter.PIDFilter{
			Name:      "psi:stt",
			Enabled:   true,
			Predicate: func(pid uint16) bool { return pid == psi.ATSCBasePID },
			Process:   observerProcessor(stt.Feed),
			Out:       observerSink{},
		})
		return
	}
	tdttot := psi.NewTDTTOTProcessor(co.onTime)
	co.tsf.AddFilter(&tsfilter.PIDFilter{
		Name:      "psi:tdttot",
		Enabled:   true,
		Predicate: func(pid uint16) bool { return pid == psi.TDTTOTPID },
		Process:   observerProcessor(tdttot.Feed),
		Out:       observerSink{},
	})
}

// observerProcessor adapts a Feed(pkt []byte) callback to a
// tsfilter.Processor that never forwards a packet.
func observerProcessor(feed func(pkt []byte)) tsfilter.Processor {
	return func(pkt []byte) ([]byte, bool) {
		feed(pkt)
		return nil, false
	}
}

func (co *Coordinator) onPAT(pat psi.PAT) {
	co.cache.SetTransportStreamID(pat.TransportStreamID)
	for _, prog := range pat.Services() {
		co.cache.AddService(pat.TransportStreamID, prog.ProgramNumber)
		co.cache.SetPMTPID(prog.ProgramNumber, prog.PID)
		co.ensurePMTFilter(prog.ProgramNumber, prog.PID)
	}
}

// ensurePMTFilter registers an observer PID Filter for serviceID's PMT the
// first time that service_id is seen. PMT PIDs are commonly shared across
// several services in one multiplex (spec.md §4.5: "one handle per known
// service_id"), so registration is keyed by service_id, not by PID: two
// services sharing the same PMT PID each get their own PID Filter and their
// own PMTProcessor, every one of them predicated on the shared PID but
// decoding only the section whose program_number (table_id_extension)
// matches its own service_id.
func (co *Coordinator) ensurePMTFilter(serviceID, pmtPID uint16) {
	co.mu.Lock()
	already := co.pmtSvcs[serviceID]
	co.pmtSvcs[serviceID] = true
	co.mu.Unlock()
	if already {
		return
	}

	proc := psi.NewPMTProcessor(serviceID, co.onPMT)
	co.tsf.AddFilter(&tsfilter.PIDFilter{
		Name:      "psi:pmt:" + pidName(pmtPID) + ":" + pidName(serviceID),
		Enabled:   true,
		Predicate: func(pid uint16) bool { return pid == pmtPID },
		Process:   observerProcessor(proc.Feed),
		Out:       observerSink{},
	})
}

func (co *Coordinator) onPMT(pmt psi.PMT) {
	entries := make([]cache.PIDEntry, 0, len(pmt.Streams))
	for _, s := range pmt.Streams {
		entries = append(entries, cache.PIDEntry{PID: s.PID, StreamType: s.StreamType, Subtype: s.Subtype})
	}
	co.cache.UpdatePIDs(pmt.ServiceID, pmt.PCRPID, entries, pmt.Version)
}

func (co *Coordinator) onSDT(sdt psi.SDT) {
	for _, svc := range sdt.Services {
		co.cache.UpdateServiceName(svc.ServiceID, svc.Name)
	}
}

func (co *Coordinator) onNIT(nit psi.NIT) {
	// spec.md §4.5: NIT is observed for completeness; the core has no
	// per-transport-stream state keyed off it beyond what PAT/SDT supply.
	_ = nit
}

func (co *Coordinator) onTime(t time.Time) {
	// Reserved for a future wall-clock consumer; spec.md has no operation
	// that currently needs it.
	_ = t
}

func pidName(pid uint16) string {
	const hex = "0123456789abcdef"
	b := [4]byte{hex[(pid>>12)&0xF], hex[(pid>>8)&0xF], hex[(pid>>4)&0xF], hex[pid&0xF]}
	return "0x" + string(b[:])
}
