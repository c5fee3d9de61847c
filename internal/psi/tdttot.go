package psi

import (
	"time"

	"github.com/plextuner/plex-tuner/internal/tspacket"
)

// TDTTOTProcessor decodes TDT (no CRC, single fixed-length section) and
// TOT (CRC-protected, carries local time offsets — this core only needs
// the UTC time it shares with TDT) on PID 0x14.
type TDTTOTProcessor struct {
	OnDecoded func(time.Time)
}

// NewTDTTOTProcessor returns a processor ready to feed packets from PID
// 0x14. Unlike the sectioned-table processors, TDT sections need no
// continuity-based reassembly: they are a single packet with a fixed
// 5-byte UTC field and (for TDT) no CRC.
func NewTDTTOTProcessor(onDecoded func(time.Time)) *TDTTOTProcessor {
	return &TDTTOTProcessor{OnDecoded: onDecoded}
}

// Feed processes one packet carrying PID 0x14.
func (p *TDTTOTProcessor) Feed(pkt []byte) {
	if !tspacket.HasPayloadUnitStart(pkt) {
		return
	}
	payload := tspacket.PayloadSlice(pkt)
	ptr, ok := tspacket.PointerField(payload)
	if !ok || int(ptr)+1 > len(payload) {
		return
	}
	section := payload[1+ptr:]
	if len(section) < 8 {
		return
	}
	tableID := section[0]
	switch tableID {
	case tableIDTDT:
		// table_id(1) section_length(2) utc(5), no CRC on TDT.
		t := decodeMJDUTC(section[3:8])
		if p.OnDecoded != nil {
			p.OnDecoded(t)
		}
	case tableIDTOT:
		// Verify the CRC over the declared section only, not the 0xFF
		// stuffing that follows it in the packet.
		sectionLen := int(section[1]&0x0F)<<8 | int(section[2])
		if 3+sectionLen > len(section) || !tspacket.VerifyCRC32(section[:3+sectionLen]) {
			return
		}
		t := decodeMJDUTC(section[3:8])
		if p.OnDecoded != nil {
			p.OnDecoded(t)
		}
	}
}

// Reset is a no-op: TDT/TOT carry no cross-packet reassembly state.
func (p *TDTTOTProcessor) Reset() {}
