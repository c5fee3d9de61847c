// Package psi implements the PAT/PMT/SDT/NIT/TDT/TOT/STT section
// processors from spec.md §4.5: each subscribes to a well-known or
// learned PID, reassembles sections via internal/tspacket, and delivers a
// decoded table only once every section_number up to last_section_number
// has been seen for every sub-table it is tracking.
//
// This package cross-checks its own field offsets against
// github.com/Comcast/gots/psi's TableID/SectionLength helpers at the call
// sites below, the same way other_examples/ausocean-av's psi package
// layers its own PAT/PMT model on top of the same library.
package psi

import (
	"time"

	gotspsi "github.com/Comcast/gots/psi"

	"github.com/plextuner/plex-tuner/internal/tspacket"
)

// Well-known PIDs (spec.md §4.5).
const (
	PATPID     uint16 = 0x00
	NITPID     uint16 = 0x10
	SDTPID     uint16 = 0x11
	TDTTOTPID  uint16 = 0x14
)

// PAT table_id family.
const (
	tableIDPAT     byte = 0x00
	tableIDPMT     byte = 0x02
	tableIDSDTAct  byte = 0x42
	tableIDSDTOth  byte = 0x46
	tableIDTDT     byte = 0x70
	tableIDTOT     byte = 0x73
	tableIDSTT     byte = 0xCD // ATSC System Time Table
)

// sanityCheckSection cross-validates the first bytes of a section against
// github.com/Comcast/gots/psi's own field accessors, logging nothing and
// simply rejecting a section whose two independent readings disagree —
// cheap insurance that this package's hand-rolled offsets have not drifted
// from the section's actual structure.
func sanityCheckSection(section []byte) bool {
	if len(section) < 3 {
		return false
	}
	if gotspsi.TableID(section) != int(tspacket.TableID(section)) {
		return false
	}
	declaredLen := int(section[1]&0x0F)<<8 | int(section[2])
	if int(gotspsi.SectionLength(section)) != declaredLen {
		return false
	}
	return true
}

// subTableKey identifies one independently-versioned table instance within
// a PID: transport_stream_id for PAT, program_number for PMT, (tsid,onid)
// for SDT.
type subTableKey uint32

// collector tracks section_number coverage for one sub-table until every
// section 0..last_section_number has arrived, then hands the ordered
// sections to a decode function. It discards sections whose
// current_next_indicator says "next" and invalidates prior progress when
// the version_number changes.
type collector struct {
	version        uint8
	haveVersion    bool
	last           uint8
	sections       map[uint8][]byte
}

func newCollector() *collector {
	return &collector{sections: make(map[uint8][]byte)}
}

// Add feeds one CRC-valid section into the collector. It returns the
// ordered list of sections and true once every section_number 0..last is
// present for the section's version.
func (c *collector) Add(section []byte) ([][]byte, bool) {
	if !tspacket.CurrentNextIndicator(section) {
		return nil, false // discard "next" sections per spec
	}
	version := tspacket.VersionNumber(section)
	if !c.haveVersion || version != c.version {
		c.sections = make(map[uint8][]byte)
		c.version = version
		c.haveVersion = true
	}
	c.last = tspacket.LastSectionNumber(section)
	num := tspacket.SectionNumber(section)
	c.sections[num] = section

	for i := uint8(0); i <= c.last; i++ {
		if _, ok := c.sections[i]; !ok {
			return nil, false
		}
		if i == 255 {
			break // guard against last==255 wraparound
		}
	}
	ordered := make([][]byte, 0, int(c.last)+1)
	for i := uint8(0); i <= c.last; i++ {
		ordered = append(ordered, c.sections[i])
		if i == 255 {
			break
		}
	}
	return ordered, true
}

// Reset discards all in-flight progress, e.g. after a tune.
func (c *collector) Reset() {
	c.sections = make(map[uint8][]byte)
	c.haveVersion = false
}

// mjdToDate converts a Modified Julian Date to a proleptic Gregorian
// Y/M/D per ETSI EN 300 468 Annex C.
func mjdToDate(mjd int) (year, month, day int) {
	yy := int((float64(mjd) - 15078.2) / 365.25)
	mm := int((float64(mjd) - 14956.1 - float64(int(float64(yy)*365.25))) / 30.6001)
	day = mjd - 14956 - int(float64(yy)*365.25) - int(float64(mm)*30.6001)
	k := 0
	if mm == 14 || mm == 15 {
		k = 1
	}
	year = yy + k + 1900
	month = mm - 1 - k*12
	return year, month, day
}

// bcdToInt decodes one byte of two packed BCD digits.
func bcdToInt(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

// decodeMJDUTC decodes the 5-byte MJD+UTC field used by TDT/TOT: 2 bytes
// MJD, 3 bytes BCD HH:MM:SS.
func decodeMJDUTC(b []byte) time.Time {
	mjd := int(b[0])<<8 | int(b[1])
	year, month, day := mjdToDate(mjd)
	hour := bcdToInt(b[2])
	minute := bcdToInt(b[3])
	second := bcdToInt(b[4])
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}

// gpsEpoch is 1980-01-06T00:00:00Z, the ATSC System Time Table's epoch.
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// sttToUnix converts an STT system_time (seconds since GPS epoch) and
// gps_utc_offset into a UTC time.
func sttToUnix(systemTime uint32, gpsUTCOffset uint8) time.Time {
	return gpsEpoch.Add(time.Duration(systemTime)*time.Second - time.Duration(gpsUTCOffset)*time.Second)
}
