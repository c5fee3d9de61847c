package psi

import "github.com/plextuner/plex-tuner/internal/tspacket"

// SDTService is one service entry decoded from an SDT_actual section.
type SDTService struct {
	ServiceID     uint16
	RunningStatus byte
	Name          string
	Provider      string
}

// SDT is one decoded Service Description Table (actual transport stream
// only; spec.md does not require SDT_other).
type SDT struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Version           uint8
	Services          []SDTService
}

// SDTProcessor assembles SDT_actual sections on PID 0x11.
type SDTProcessor struct {
	asm       *tspacket.SectionAssembler
	col       *collector
	OnDecoded func(SDT)
}

// NewSDTProcessor returns a processor ready to feed packets from PID 0x11.
func NewSDTProcessor(onDecoded func(SDT)) *SDTProcessor {
	return &SDTProcessor{
		asm:       tspacket.NewSectionAssembler(),
		col:       newCollector(),
		OnDecoded: onDecoded,
	}
}

// Feed processes one transport packet carrying PID 0x11.
func (p *SDTProcessor) Feed(pkt []byte) {
	section, ok := p.asm.Push(pkt)
	if !ok {
		return
	}
	if tspacket.TableID(section) != tableIDSDTAct {
		return // SDT_other (0x46) is out of scope for this core
	}
	if !sanityCheckSection(section) {
		return
	}
	sections, complete := p.col.Add(section)
	if !complete {
		return
	}
	if sdt, ok := decodeSDT(sections); ok {
		if p.OnDecoded != nil {
			p.OnDecoded(sdt)
		}
	}
}

// Reset clears all reassembly and collection state.
func (p *SDTProcessor) Reset() {
	p.asm.Reset()
	p.col.Reset()
}

func decodeSDT(sections [][]byte) (SDT, bool) {
	first := sections[0]
	if len(first) < 11 {
		return SDT{}, false
	}
	sdt := SDT{
		TransportStreamID: tspacket.TableIDExtension(first),
		OriginalNetworkID: uint16(first[8])<<8 | uint16(first[9]),
		Version:           tspacket.VersionNumber(first),
	}
	for _, section := range sections {
		if len(section) < 11 {
			continue
		}
		i := 11 // after table_id_ext, reserved, section/last_section, onid, reserved_future_use
		end := len(section) - 4
		for i+5 <= end {
			serviceID := uint16(section[i])<<8 | uint16(section[i+1])
			runningStatus := (section[i+3] >> 5) & 0x07
			descLoopLen := int(section[i+3]&0x0F)<<8 | int(section[i+4])
			descStart := i + 5
			descEnd := descStart + descLoopLen
			if descEnd > end {
				break
			}
			name, provider := serviceDescriptor(section[descStart:descEnd])
			sdt.Services = append(sdt.Services, SDTService{
				ServiceID:     serviceID,
				RunningStatus: runningStatus,
				Name:          name,
				Provider:      provider,
			})
			i = descEnd
		}
	}
	return sdt, true
}

// serviceDescriptor decodes the service_descriptor (tag 0x48) out of an
// SDT entry's descriptor loop, returning (service name, provider name).
func serviceDescriptor(descriptors []byte) (name, provider string) {
	i := 0
	for i+2 <= len(descriptors) {
		tag := descriptors[i]
		length := int(descriptors[i+1])
		if i+2+length > len(descriptors) {
			break
		}
		body := descriptors[i+2 : i+2+length]
		if tag == 0x48 && len(body) >= 1 {
			// service_type(1) + provider_name_length(1) + provider_name + service_name_length(1) + service_name
			pos := 1
			if pos < len(body) {
				provLen := int(body[pos])
				pos++
				if pos+provLen <= len(body) {
					provider = string(body[pos : pos+provLen])
					pos += provLen
				}
				if pos < len(body) {
					nameLen := int(body[pos])
					pos++
					if pos+nameLen <= len(body) {
						name = string(body[pos : pos+nameLen])
					}
				}
			}
		}
		i += 2 + length
	}
	return name, provider
}
