package psi

import "github.com/plextuner/plex-tuner/internal/tspacket"

const tableIDNITActual byte = 0x40

// NITTransportStream is one entry in a NIT's transport_stream_loop.
type NITTransportStream struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
}

// NIT is a decoded Network Information Table (actual network only; the
// core has no use for NIT_other).
type NIT struct {
	NetworkID       uint16
	Version         uint8
	TransportStreams []NITTransportStream
}

// NITProcessor assembles NIT_actual sections on PID 0x10.
type NITProcessor struct {
	asm       *tspacket.SectionAssembler
	col       *collector
	OnDecoded func(NIT)
}

// NewNITProcessor returns a processor ready to feed packets from PID 0x10.
func NewNITProcessor(onDecoded func(NIT)) *NITProcessor {
	return &NITProcessor{asm: tspacket.NewSectionAssembler(), col: newCollector(), OnDecoded: onDecoded}
}

// Feed processes one transport packet carrying PID 0x10.
func (p *NITProcessor) Feed(pkt []byte) {
	section, ok := p.asm.Push(pkt)
	if !ok {
		return
	}
	if tspacket.TableID(section) != tableIDNITActual {
		return
	}
	sections, complete := p.col.Add(section)
	if !complete {
		return
	}
	if nit, ok := decodeNIT(sections); ok && p.OnDecoded != nil {
		p.OnDecoded(nit)
	}
}

// Reset clears all reassembly and collection state.
func (p *NITProcessor) Reset() {
	p.asm.Reset()
	p.col.Reset()
}

func decodeNIT(sections [][]byte) (NIT, bool) {
	first := sections[0]
	if len(first) < 9 {
		return NIT{}, false
	}
	nit := NIT{
		NetworkID: tspacket.TableIDExtension(first),
		Version:   tspacket.VersionNumber(first),
	}
	for _, section := range sections {
		if len(section) < 9 {
			continue
		}
		networkDescLen := int(section[8]&0x0F)<<8 | int(section[9])
		i := 10 + networkDescLen
		end := len(section) - 4
		if i+2 > end {
			continue
		}
		tsLoopLen := int(section[i]&0x0F)<<8 | int(section[i+1])
		i += 2
		tsEnd := i + tsLoopLen
		if tsEnd > end {
			tsEnd = end
		}
		for i+6 <= tsEnd {
			tsid := uint16(section[i])<<8 | uint16(section[i+1])
			onid := uint16(section[i+2])<<8 | uint16(section[i+3])
			descLoopLen := int(section[i+4]&0x0F)<<8 | int(section[i+5])
			nit.TransportStreams = append(nit.TransportStreams, NITTransportStream{
				TransportStreamID: tsid,
				OriginalNetworkID: onid,
			})
			i += 6 + descLoopLen
		}
	}
	return nit, true
}
