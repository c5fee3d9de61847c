package psi

import (
	"testing"

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

func TestPATProcessorScenarioA(t *testing.T) {
	// Two programs: (0x0100 -> 0x0101), (0x0200 -> 0x0201), TSID=0x1234, version=5.
	body := []byte{
		0x01, 0x00, byte(0xE0 | (0x0101 >> 8 & 0x1F)), byte(0x0101),
		0x02, 0x00, byte(0xE0 | (0x0201 >> 8 & 0x1F)), byte(0x0201),
	}
	section := buildSection(tableIDPAT, 0x1234, 5, 0, 0, body)
	pkt := packetize(PATPID, 0, section)

	var got PAT
	proc := NewPATProcessor(func(pat PAT) { got = pat })
	proc.Feed(pkt)

	if got.TransportStreamID != 0x1234 {
		t.Fatalf("tsid = %#x, want 0x1234", got.TransportStreamID)
	}
	if got.Version != 5 {
		t.Fatalf("version = %d, want 5", got.Version)
	}
	if len(got.Programs) != 2 {
		t.Fatalf("programs = %v, want 2 entries", got.Programs)
	}
	if got.Programs[1].ProgramNumber != 0x0200 || got.Programs[1].PID != 0x0201 {
		t.Fatalf("second program = %+v", got.Programs[1])
	}
}

func TestPATProcessorDiscardsNextIndicator(t *testing.T) {
	section := buildSection(tableIDPAT, 0x1234, 0, 0, 0, []byte{0x01, 0x00, 0xE1, 0x00})
	section[5] &^= 0x01 // current_next = 0 ("next")
	crcOff := len(section) - 4
	crc := tspacket.CRC32(section[:crcOff])
	section[crcOff] = byte(crc >> 24)
	section[crcOff+1] = byte(crc >> 16)
	section[crcOff+2] = byte(crc >> 8)
	section[crcOff+3] = byte(crc)

	pkt := packetize(PATPID, 0, section)
	fired := false
	proc := NewPATProcessor(func(PAT) { fired = true })
	proc.Feed(pkt)
	if fired {
		t.Fatal("a 'next' section must not be decoded")
	}
}

func TestMJDDecodeInvariant(t *testing.T) {
	// MJD 58849 is 2020-01-01 relative to the MJD epoch 1858-11-17 (ETSI EN
	// 300 468 Annex C); paired here with 12:34:56 UTC.
	b := []byte{
		byte(58849 >> 8), byte(58849),
		0x12, 0x34, 0x56, // BCD 12:34:56
	}
	got := decodeMJDUTC(b)
	want := "2020-01-01T12:34:56Z"
	if got.Format("2006-01-02T15:04:05Z") != want {
		t.Fatalf("decodeMJDUTC = %v, want %s", got, want)
	}
}
