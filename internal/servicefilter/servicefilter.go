// Package servicefilter implements the Service Filter (spec.md §4.7): a
// specialized tsfilter.PIDFilter that selects one service's PAT+PMT+PIDs and
// rewrites a minimal single-program PAT each time the source PAT passes.
//
// The PAT synthesis follows the PAT-builder pattern the teacher uses for its
// MPEG-TS keepalive packets, generalized from a fixed program-1 PAT to an
// arbitrary (tsid, service_id, pmt_pid) triple.
package servicefilter

import (
	"fmt"
	"sync"

	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
	"github.com/plextuner/plex-tuner/internal/tspacket"
)

// patPID is the transport_stream PID PSI reserves for the PAT.
const patPID = 0x0000

// maxSectionPayload bounds the synthesized PAT's section_length (the bytes
// after the length field, CRC included): 184 payload bytes less 5, which
// covers pointer_field(1) and the table_id/section_length header(3) with
// one byte to spare.
const maxSectionPayload = 184 - 5

// Selection is the (service, pmt_pid, pids) snapshot the Service Filter
// currently passes and rewrites around.
type Selection struct {
	ServiceID uint16
	PMTPID    uint16
	PIDs      []uint16 // PCR PID (if signalled and not an ES) then ES PIDs; PID 0 and pmt_pid implicit
}

// Filter is a PID Filter attached to one service at a time. Call Attach to
// (re)point it at a service; the change takes effect on the next PAT packet
// observed, per spec.md §4.7's "pending set_service" semantics — no packets
// belonging to the old service leak after the switch.
type Filter struct {
	mu      sync.Mutex
	cache   *cache.Cache
	current Selection
	pending *uint16 // service_id awaiting activation on next PAT, nil if none

	haveSelection bool
	version uint8
	cc      uint8
	haveTSID bool
	tsid    uint16
}

// New returns a Service Filter reading service membership from c. Call
// Attach before the filter will pass anything.
func New(c *cache.Cache) *Filter {
	return &Filter{cache: c}
}

// Attach requests a switch to serviceID. The switch is deferred until the
// next PAT packet so no packets from the previous service leak mid-stream.
func (f *Filter) Attach(serviceID uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := serviceID
	f.pending = &id
}

// Current returns the service currently selected (which may still be the
// old one if a pending Attach has not yet reached a PAT boundary).
func (f *Filter) Current() Selection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Predicate is this filter's tsfilter.Predicate: PID 0 plus the selected
// service's pmt_pid, PCR PID and elementary stream PIDs.
func (f *Filter) Predicate(pid uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid == patPID {
		return true
	}
	if pid == f.current.PMTPID {
		return true
	}
	for _, p := range f.current.PIDs {
		if p == pid {
			return true
		}
	}
	return false
}

// Process is this filter's tsfilter.Processor: PAT packets are replaced
// with a freshly synthesized single-program PAT (and trigger any pending
// service switch); PMT and elementary-stream packets pass through
// unmodified.
func (f *Filter) Process(pkt []byte) ([]byte, bool) {
	if tspacket.PID(pkt) != patPID {
		return pkt, true
	}
	f.activatePending()
	return f.synthesizePAT(), true
}

// AsPIDFilter wraps the Service Filter as a tsfilter.PIDFilter writing to out.
func (f *Filter) AsPIDFilter(name string, out tsfilter.Sink) *tsfilter.PIDFilter {
	return &tsfilter.PIDFilter{
		Name:      name,
		Enabled:   true,
		Predicate: f.Predicate,
		Process:   f.Process,
		Out:       out,
	}
}

// activatePending resolves a pending Attach against the Cache, refreshing
// current and bumping version. If the pending service is not (yet) known to
// the Cache, the switch stays pending for the next PAT.
func (f *Filter) activatePending() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending != nil {
		svc, ok := f.cache.GetService(*f.pending)
		if ok {
			sel := Selection{ServiceID: svc.ServiceID, PMTPID: svc.PMTPID}
			for _, e := range svc.OrderedPIDs() {
				sel.PIDs = append(sel.PIDs, e.PID)
			}
			if !f.haveSelection {
				f.current = sel
				f.haveSelection = true
			} else if sel.ServiceID != f.current.ServiceID || f.current.PMTPID != sel.PMTPID {
				f.current = sel
				f.version = (f.version + 1) % 32
			}
			f.pending = nil
		}
	} else if f.haveSelection {
		if svc, ok := f.cache.GetService(f.current.ServiceID); ok {
			sel := Selection{ServiceID: svc.ServiceID, PMTPID: svc.PMTPID}
			for _, e := range svc.OrderedPIDs() {
				sel.PIDs = append(sel.PIDs, e.PID)
			}
			if !pidsEqual(sel.PIDs, f.current.PIDs) || sel.PMTPID != f.current.PMTPID {
				f.current = sel
				f.version = (f.version + 1) % 32
			}
		}
	}

	if mux, ok := f.cache.CurrentMultiplex(); ok && mux.HasTSID {
		if !f.haveTSID || f.tsid != mux.TransportStreamID {
			f.tsid = mux.TransportStreamID
			f.haveTSID = true
		}
	}
}

func pidsEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// synthesizePAT builds one 188-byte TS packet carrying a PAT with exactly
// one program entry (service_id -> pmt_pid), per spec.md §4.7.
func (f *Filter) synthesizePAT() []byte {
	f.mu.Lock()
	sel := f.current
	tsid := f.tsid
	version := f.version
	cc := f.cc
	f.cc = (f.cc + 1) & 0x0F
	f.mu.Unlock()

	// Section body: transport_stream_id(2) + reserved/version/current_next(1)
	// + section_number(1) + last_section_number(1) + one program entry(4).
	section := make([]byte, 0, 12)
	section = append(section, 0x00) // table_id = 0 (PAT)
	section = append(section, 0x00, 0x00) // section_length placeholder, filled below
	section = append(section, byte(tsid>>8), byte(tsid))
	section = append(section, 0xC0|((version&0x1F)<<1)|0x01) // reserved(2)=11, version(5), current_next=1
	section = append(section, 0x00) // section_number
	section = append(section, 0x00) // last_section_number
	section = append(section, byte(sel.ServiceID>>8), byte(sel.ServiceID))
	section = append(section, byte(0xE0|(sel.PMTPID>>8&0x1F)), byte(sel.PMTPID))

	bodyAfterLength := len(section) - 3 // bytes following section_length field, plus CRC(4) added next
	sectionLength := bodyAfterLength + 4
	if sectionLength > maxSectionPayload {
		panic(fmt.Sprintf("servicefilter: synthesized PAT section_length %d exceeds single-packet capacity", sectionLength))
	}
	section[1] = 0xB0 | byte((sectionLength>>8)&0x0F)
	section[2] = byte(sectionLength)

	crc := tspacket.CRC32(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	pkt := make([]byte, tspacket.Size)
	pkt[0] = tspacket.SyncByte
	pkt[1] = 0x40 // payload_unit_start=1, PID[12:8]=0
	pkt[2] = 0x00
	pkt[3] = 0x10 | (cc & 0x0F) // adaptation_field_control=01 (payload only)
	pkt[4] = 0x00               // pointer_field
	copy(pkt[5:], section)
	for i := 5 + len(section); i < tspacket.Size; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}
