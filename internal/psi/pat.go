package psi

import "github.com/plextuner/plex-tuner/internal/tspacket"

// PATProgram is one program_number/PID pair from a PAT. ProgramNumber 0
// denotes the network PID rather than a service's PMT PID.
type PATProgram struct {
	ProgramNumber uint16
	PID           uint16
}

// PAT is one fully-assembled, decoded Program Association Table.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []PATProgram
}

// Services returns the Programs with ProgramNumber 0 (network PID)
// filtered out.
func (p PAT) Services() []PATProgram {
	out := make([]PATProgram, 0, len(p.Programs))
	for _, prog := range p.Programs {
		if prog.ProgramNumber != 0 {
			out = append(out, prog)
		}
	}
	return out
}

// PATProcessor assembles PAT sections on PID 0 and decodes the table once
// every section is present. A PAT has exactly one sub-table (keyed by
// transport_stream_id implicitly, since only one TSID is ever current on
// PID 0), so PATProcessor uses a single collector.
type PATProcessor struct {
	asm       *tspacket.SectionAssembler
	col       *collector
	OnDecoded func(PAT)
}

// NewPATProcessor returns a processor ready to feed packets from PID 0.
func NewPATProcessor(onDecoded func(PAT)) *PATProcessor {
	return &PATProcessor{
		asm:       tspacket.NewSectionAssembler(),
		col:       newCollector(),
		OnDecoded: onDecoded,
	}
}

// Feed processes one transport packet carrying PID 0.
func (p *PATProcessor) Feed(pkt []byte) {
	section, ok := p.asm.Push(pkt)
	if !ok {
		return
	}
	if tspacket.TableID(section) != tableIDPAT {
		return
	}
	if !sanityCheckSection(section) {
		return
	}
	sections, complete := p.col.Add(section)
	if !complete {
		return
	}
	pat := decodePAT(sections)
	if p.OnDecoded != nil {
		p.OnDecoded(pat)
	}
}

// Reset clears all reassembly and collection state, e.g. after a tune.
func (p *PATProcessor) Reset() {
	p.asm.Reset()
	p.col.Reset()
}

func decodePAT(sections [][]byte) PAT {
	pat := PAT{
		TransportStreamID: tspacket.TableIDExtension(sections[0]),
		Version:           tspacket.VersionNumber(sections[0]),
	}
	for _, section := range sections {
		body := section[8 : len(section)-4] // after header, before CRC
		for i := 0; i+4 <= len(body); i += 4 {
			programNumber := uint16(body[i])<<8 | uint16(body[i+1])
			pid := uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3])
			pat.Programs = append(pat.Programs, PATProgram{ProgramNumber: programNumber, PID: pid})
		}
	}
	return pat
}
