package psi

import (
	"time"

	"github.com/plextuner/plex-tuner/internal/tspacket"
)

// ATSCBasePID is the ATSC PSIP base_pid 0x1FFB, carrying STT among other
// PSIP tables.
const ATSCBasePID uint16 = 0x1FFB

// STTProcessor decodes the ATSC System Time Table: system_time (seconds
// since the GPS epoch 1980-01-06) minus gps_utc_offset gives UTC.
type STTProcessor struct {
	asm       *tspacket.SectionAssembler
	OnDecoded func(time.Time)
}

// NewSTTProcessor returns a processor ready to feed packets from
// ATSCBasePID. STT is always a single section, so no cross-section
// collector is needed.
func NewSTTProcessor(onDecoded func(time.Time)) *STTProcessor {
	return &STTProcessor{asm: tspacket.NewSectionAssembler(), OnDecoded: onDecoded}
}

// Feed processes one packet carrying the ATSC base PID.
func (p *STTProcessor) Feed(pkt []byte) {
	section, ok := p.asm.Push(pkt)
	if !ok {
		return
	}
	if tspacket.TableID(section) != tableIDSTT {
		return
	}
	// table_id(1) section_length(2) table_id_ext(2) reserved/version/cn(1)
	// section_number(1) last_section_number(1) protocol_version(1)
	// system_time(4) gps_utc_offset(1) ...
	if len(section) < 16 {
		return
	}
	systemTime := uint32(section[9])<<24 | uint32(section[10])<<16 | uint32(section[11])<<8 | uint32(section[12])
	gpsUTCOffset := section[13]
	t := sttToUnix(systemTime, gpsUTCOffset)
	if p.OnDecoded != nil {
		p.OnDecoded(t)
	}
}

// Reset clears section reassembly state.
func (p *STTProcessor) Reset() {
	p.asm.Reset()
}
