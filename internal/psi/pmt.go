package psi

import "github.com/plextuner/plex-tuner/internal/tspacket"

// StreamInfo is one elementary stream entry from a PMT: PID, stream type,
// and (for audio/subtitle streams) a subtype captured from descriptors.
type StreamInfo struct {
	PID        uint16
	StreamType byte
	Subtype    string // e.g. ISO 639 language code for audio/subtitle streams
}

// PMT is one fully-decoded Program Map Table for a single service.
type PMT struct {
	ServiceID uint16
	Version   uint8
	PCRPID    uint16
	Streams   []StreamInfo
}

// PMTProcessor assembles PMT sections for one learned PID (the PMT PID of
// exactly one service_id, discovered via PAT). The core keeps one
// PMTProcessor per known service.
type PMTProcessor struct {
	ServiceID uint16
	asm       *tspacket.SectionAssembler
	col       *collector
	OnDecoded func(PMT)
}

// NewPMTProcessor returns a processor bound to one service_id's PMT PID.
func NewPMTProcessor(serviceID uint16, onDecoded func(PMT)) *PMTProcessor {
	return &PMTProcessor{
		ServiceID: serviceID,
		asm:       tspacket.NewSectionAssembler(),
		col:       newCollector(),
		OnDecoded: onDecoded,
	}
}

// Feed processes one packet from this service's PMT PID.
func (p *PMTProcessor) Feed(pkt []byte) {
	section, ok := p.asm.Push(pkt)
	if !ok {
		return
	}
	if tspacket.TableID(section) != tableIDPMT {
		return
	}
	if !sanityCheckSection(section) {
		return
	}
	if tspacket.TableIDExtension(section) != p.ServiceID {
		return // wrong program_number: PMT PID shared by another service
	}
	sections, complete := p.col.Add(section)
	if !complete {
		return
	}
	pmt, ok := decodePMT(p.ServiceID, sections)
	if !ok {
		return
	}
	if p.OnDecoded != nil {
		p.OnDecoded(pmt)
	}
}

// Reset clears all reassembly and collection state.
func (p *PMTProcessor) Reset() {
	p.asm.Reset()
	p.col.Reset()
}

// decodePMT decodes the first section of a (virtually always
// single-section) PMT; streams listed in any further sections are not
// read.
func decodePMT(serviceID uint16, sections [][]byte) (PMT, bool) {
	section := sections[0]
	if len(section) < 12 {
		return PMT{}, false
	}
	pmt := PMT{
		ServiceID: serviceID,
		Version:   tspacket.VersionNumber(section),
		PCRPID:    uint16(section[8]&0x1F)<<8 | uint16(section[9]),
	}
	programInfoLen := int(section[10]&0x0F)<<8 | int(section[11])
	i := 12 + programInfoLen
	end := len(section) - 4 // before CRC
	for i+5 <= end {
		streamType := section[i]
		pid := uint16(section[i+1]&0x1F)<<8 | uint16(section[i+2])
		esInfoLen := int(section[i+3]&0x0F)<<8 | int(section[i+4])
		descStart := i + 5
		descEnd := descStart + esInfoLen
		if descEnd > end {
			break
		}
		pmt.Streams = append(pmt.Streams, StreamInfo{
			PID:        pid,
			StreamType: streamType,
			Subtype:    languageFromDescriptors(section[descStart:descEnd]),
		})
		i = descEnd
	}
	return pmt, true
}

// languageFromDescriptors looks for an ISO_639_language_descriptor (tag
// 0x0A) among an elementary stream's descriptor loop and returns its
// 3-character language code, or "" if none is present.
func languageFromDescriptors(descriptors []byte) string {
	i := 0
	for i+2 <= len(descriptors) {
		tag := descriptors[i]
		length := int(descriptors[i+1])
		if i+2+length > len(descriptors) {
			break
		}
		if tag == 0x0A && length >= 3 {
			return string(descriptors[i+2 : i+5])
		}
		i += 2 + length
	}
	return ""
}
