package coordinator

import (
	"testing"

	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/psi"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
	"github.com/plextuner/plex-tuner/internal/tspacket"
)

func buildSection(tableID byte, tableIDExt uint16, version uint8, sectionNum, lastSectionNum uint8, body []byte) []byte {
	section := []byte{tableID, 0xB0, 0x00, byte(tableIDExt >> 8), byte(tableIDExt), 0xC1 | (version&0x1F)<<1, sectionNum, lastSectionNum}
	section = append(section, body...)
	sectionLength := len(section) - 3 + 4
	section[1] = 0xB0 | byte(sectionLength>>8&0x0F)
	section[2] = byte(sectionLength)
	crc := tspacket.CRC32(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return section
}

func packetize(pid uint16, cc byte, section []byte) []byte {
	payload := append([]byte{0x00}, section...)
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = 0x40 | byte(pid>>8&0x1F)
	p[2] = byte(pid)
	p[3] = 0x10 | (cc & 0x0F)
	copy(p[4:], payload)
	for i := 4 + len(payload); i < tspacket.Size; i++ {
		p[i] = 0xFF
	}
	return p
}

// TestPATDecodeRegistersPMTFilterAndUpdatesCache exercises the full
// PAT -> PMT observer wiring: feeding a PAT packet should both record the
// service in the cache and grow the TS Filter with a new PMT observer.
func TestPATDecodeRegistersPMTFilterAndUpdatesCache(t *testing.T) {
	c := cache.New(nil)
	c.Load(cache.Multiplex{UID: "mux-1"})
	tsf := tsfilter.New(nil)

	co := New(c, tsf, false)
	co.Start()

	before := len(tsf.Filters())

	body := []byte{0x01, 0x00, byte(0xE0 | (0x0101 >> 8 & 0x1F)), byte(0x0101)}
	section := buildSection(0x00, 0x1234, 0, 0, 0, body)
	pkt := packetize(psi.PATPID, 0, section)

	pf, _ := tsf.Find("psi:pat")
	pf.Process(pkt)

	svc, ok := c.GetService(0x0100)
	if !ok {
		t.Fatal("expected service 0x0100 to be recorded after PAT decode")
	}
	if svc.PMTPID != 0x0101 {
		t.Fatalf("PMTPID = %#x, want 0x0101", svc.PMTPID)
	}

	after := len(tsf.Filters())
	if after != before+1 {
		t.Fatalf("expected exactly one new PID Filter for the PMT PID, before=%d after=%d", before, after)
	}
}

// TestPATDecodeSharedPMTPIDRegistersOnePerService covers spec.md §4.5's
// "one handle per known service_id": two services sharing the same PMT PID
// must each get their own PMTProcessor/PID Filter, not just the first one
// seen.
func TestPATDecodeSharedPMTPIDRegistersOnePerService(t *testing.T) {
	c := cache.New(nil)
	c.Load(cache.Multiplex{UID: "mux-1"})
	tsf := tsfilter.New(nil)

	co := New(c, tsf, false)
	co.Start()

	before := len(tsf.Filters())

	// Two program entries, service_id 0x0100 and 0x0101, sharing PMT PID
	// 0x0200.
	body := []byte{
		0x01, 0x00, byte(0xE0 | (0x0200 >> 8 & 0x1F)), byte(0x0200),
		0x01, 0x01, byte(0xE0 | (0x0200 >> 8 & 0x1F)), byte(0x0200),
	}
	section := buildSection(0x00, 0x1234, 0, 0, 0, body)
	pf, _ := tsf.Find("psi:pat")
	pf.Process(packetize(psi.PATPID, 0, section))

	after := len(tsf.Filters())
	if after != before+2 {
		t.Fatalf("expected one new PID Filter per service sharing the PMT PID, before=%d after=%d", before, after)
	}

	for _, sid := range []uint16{0x0100, 0x0101} {
		svc, ok := c.GetService(sid)
		if !ok {
			t.Fatalf("expected service %#x to be recorded", sid)
		}
		if svc.PMTPID != 0x0200 {
			t.Fatalf("service %#x PMTPID = %#x, want 0x0200", sid, svc.PMTPID)
		}
	}

	// Both services' PMT observers must independently decode the shared
	// PID: feed one PMT section carrying program_number 0x0101 and check
	// only that service's cache entry gains PIDs, while the other service's
	// PMTProcessor (bound to 0x0100) discards the same bytes.
	pmt0101, ok := tsf.Find("psi:pmt:0x0200:0x0101")
	if !ok {
		t.Fatal("expected a PMT PID Filter named psi:pmt:0x0200:0x0101")
	}
	pmtBody := []byte{
		0xE0 | byte(0x0102>>8&0x1F), byte(0x0102), // PCR_PID
		0xF0, 0x00, // program_info_length = 0
		0x02, 0xE0 | byte(0x0103>>8&0x1F), byte(0x0103), 0xF0, 0x00,
	}
	pmtSection := buildSection(0x02, 0x0101, 0, 0, 0, pmtBody)
	pmt0101.Process(packetize(0x0200, 0, pmtSection))

	pids, _, ok := c.GetPIDs(0x0101)
	if !ok || len(pids) != 2 || pids[0].PID != 0x0102 || pids[1].PID != 0x0103 {
		t.Fatalf("service 0x0101 PIDs = %+v, ok=%v, want [0x0102 (PCR) 0x0103]", pids, ok)
	}
	if pids, _, ok := c.GetPIDs(0x0100); ok && len(pids) != 0 {
		t.Fatalf("service 0x0100 PIDs = %+v, want untouched by a section addressed to 0x0101", pids)
	}
}

// TestPMTDecodeUpdatesCachePIDs feeds a PMT section through the observer
// registered by a prior PAT decode and checks the cache gains the PMT's
// elementary streams.
func TestPMTDecodeUpdatesCachePIDs(t *testing.T) {
	c := cache.New(nil)
	c.Load(cache.Multiplex{UID: "mux-1"})
	tsf := tsfilter.New(nil)
	co := New(c, tsf, false)
	co.Start()

	patPF, _ := tsf.Find("psi:pat")
	patBody := []byte{0x01, 0x00, byte(0xE0 | (0x0101 >> 8 & 0x1F)), byte(0x0101)}
	patSection := buildSection(0x00, 0x1234, 0, 0, 0, patBody)
	patPF.Process(packetize(psi.PATPID, 0, patSection))

	pmtPF, ok := tsf.Find("psi:pmt:0x0101:0x0100")
	if !ok {
		t.Fatal("expected a PMT PID Filter named psi:pmt:0x0101:0x0100")
	}

	// PCR PID 0x0102, one video stream 0x0103 (stream_type 0x02), no
	// descriptors.
	pmtBody := []byte{
		0xE0 | byte(0x0102>>8&0x1F), byte(0x0102), // PCR_PID
		0xF0, 0x00, // program_info_length = 0
		0x02, 0xE0 | byte(0x0103>>8&0x1F), byte(0x0103), 0xF0, 0x00,
	}
	pmtSection := buildSection(0x02, 0x0100, 0, 0, 0, pmtBody)
	pmtPF.Process(packetize(0x0101, 0, pmtSection))

	pids, _, ok := c.GetPIDs(0x0100)
	if !ok {
		t.Fatal("expected service 0x0100 to have PIDs after PMT decode")
	}
	if len(pids) != 2 || pids[0].PID != 0x0102 || pids[1].PID != 0x0103 {
		t.Fatalf("PIDs = %+v, want [0x0102 (PCR) 0x0103]", pids)
	}
}
