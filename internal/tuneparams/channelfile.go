package tuneparams

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel is one legacy channel-file line, parsed into a service name tied
// to a multiplex's tuning Document (spec.md §6, "Legacy channel file").
type Channel struct {
	Name      string
	ServiceID uint16
	Params    *Document
}

// MultiplexKey is the uniqueness key spec.md assigns a multiplex:
// (frequency, polarisation, sat_no) for satellite, (frequency) otherwise.
type MultiplexKey struct {
	Frequency    string
	Polarisation string
	SatNo        string
}

// Key computes a Channel's multiplex uniqueness key from its Document.
func (c Channel) Key() MultiplexKey {
	freq, _ := c.Params.Get(KeyFrequency)
	pol, hasPol := c.Params.Get(KeyPolarisation)
	sat, hasSat := c.Params.Get(KeySatelliteNumber)
	if !hasPol && !hasSat {
		return MultiplexKey{Frequency: freq}
	}
	return MultiplexKey{Frequency: freq, Polarisation: pol, SatNo: sat}
}

// ParseDVBSLine parses a legacy DVB-S line:
// name:freq_MHz:pol:sat_no:sym_rate_kSyms:vpid:apid:sid
func ParseDVBSLine(line string) (Channel, error) {
	f := strings.Split(line, ":")
	if len(f) != 8 {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S line: want 8 fields, got %d", len(f))
	}
	sid, err := strconv.ParseUint(f[7], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S line: service id: %w", err)
	}
	freqMHz, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S line: frequency: %w", err)
	}

	doc := New()
	doc.Set(KeyFrequency, strconv.FormatInt(int64(freqMHz*1e6), 10))
	doc.Set(KeyPolarisation, dvbsPolarisation(f[2]))
	doc.Set(KeySatelliteNumber, f[3])
	doc.Set(KeySymbolRate, strconv.FormatInt(parseKSyms(f[4]), 10))

	return Channel{Name: f[0], ServiceID: uint16(sid), Params: doc}, nil
}

func dvbsPolarisation(token string) string {
	switch strings.ToUpper(token) {
	case "H":
		return "Horizontal"
	case "V":
		return "Vertical"
	case "L":
		return "Left"
	case "R":
		return "Right"
	default:
		return token
	}
}

func parseKSyms(token string) int64 {
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0
	}
	return v * 1000
}

// dvbS2FEC, dvbS2Modulation, and dvbS2RollOff map the VDR numeric codes
// carried in a DVB-S2 params token to spec.md's plain tuning-parameter
// tokens.
var dvbS2FEC = map[int]string{
	0: "NONE", 12: "1/2", 23: "2/3", 34: "3/4", 35: "3/5",
	45: "4/5", 56: "5/6", 67: "6/7", 78: "7/8", 89: "8/9",
	910: "9/10", 999: "AUTO",
}

var dvbS2Modulation = map[int]string{
	2: "QPSK", 5: "8PSK", 6: "APSK16",
	16: "QAM16", 32: "QAM32", 64: "QAM64", 128: "QAM128", 256: "QAM256",
	998: "AUTO",
}

var dvbS2RollOff = map[int]string{20: "0.20", 25: "0.25", 35: "0.35"}

// parseDVBS2Params decomposes a DVB-S2 VDR-style params token
// (C<fec>M<mod>O<rolloff>S<0|1>H/V/L/R) into FEC, Modulation, Roll Off, and
// Polarisation. Fields absent from the token keep VDR's own defaults: FEC
// AUTO, Modulation QPSK, Roll Off 0.35, Polarisation Vertical.
func parseDVBS2Params(token string) (fec, modulation, rolloff, polarisation string, err error) {
	fec, modulation, rolloff, polarisation = "AUTO", "QPSK", "0.35", "Vertical"

	i := 0
	for i < len(token) {
		switch token[i] {
		case 'h', 'H':
			polarisation, i = "Horizontal", i+1
		case 'v', 'V':
			polarisation, i = "Vertical", i+1
		case 'l', 'L':
			polarisation, i = "Left", i+1
		case 'r', 'R':
			polarisation, i = "Right", i+1
		case 'c', 'C':
			var code int
			if code, i, err = scanVDRCode(token, i); err != nil {
				return
			}
			if v, ok := dvbS2FEC[code]; ok {
				fec = v
			}
		case 'm', 'M':
			var code int
			if code, i, err = scanVDRCode(token, i); err != nil {
				return
			}
			if v, ok := dvbS2Modulation[code]; ok {
				modulation = v
			}
		case 'o', 'O', 'z', 'Z':
			var code int
			if code, i, err = scanVDRCode(token, i); err != nil {
				return
			}
			if v, ok := dvbS2RollOff[code]; ok {
				rolloff = v
			}
		case 's', 'S', 'i', 'I':
			// Stream id / multistream index: selects which physical layer
			// stream on the transponder this channel is carried on, not a
			// tuning parameter the Document records.
			if _, i, err = scanVDRCode(token, i); err != nil {
				return
			}
		default:
			err = fmt.Errorf("tuneparams: DVB-S2 params: unexpected character %q", token[i])
			return
		}
	}
	return
}

// scanVDRCode reads the run of decimal digits following token[i]'s
// parameter letter and returns the parsed code and the index just past it.
func scanVDRCode(token string, i int) (code, next int, err error) {
	j := i + 1
	for j < len(token) && token[j] >= '0' && token[j] <= '9' {
		j++
	}
	if j == i+1 {
		return 0, 0, fmt.Errorf("tuneparams: DVB-S2 params: missing digits after %q", token[i])
	}
	v, err := strconv.Atoi(token[i+1 : j])
	if err != nil {
		return 0, 0, err
	}
	return v, j, nil
}

// ParseDVBS2Line parses a legacy DVB-S2 (VDR-style) line:
// name:freq_MHz:params:sat_pos:sym_rate:vpid:apid:tpid:ca:sid:nid:tsid:radio_id
// where params combines C<fec>M<mod>O<rolloff>S<0|1>H/V/L/R into one token.
func ParseDVBS2Line(line string) (Channel, error) {
	f := strings.Split(line, ":")
	if len(f) != 13 {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S2 line: want 13 fields, got %d", len(f))
	}
	sid, err := strconv.ParseUint(f[9], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S2 line: service id: %w", err)
	}
	freqMHz, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S2 line: frequency: %w", err)
	}
	fec, modulation, rolloff, polarisation, err := parseDVBS2Params(f[2])
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-S2 line: %w", err)
	}

	doc := New()
	doc.Set(KeyFrequency, strconv.FormatInt(int64(freqMHz*1e6), 10))
	doc.Set(KeyInversion, "AUTO")
	doc.Set(KeyPolarisation, polarisation)
	// sat_pos is an orbital position, not the DiSEqC satellite-switch index
	// the multiplex uniqueness key expects; VDR channel files carry it only
	// for display, so it is not a tuning parameter.
	doc.Set(KeySatelliteNumber, "0")
	doc.Set(KeySymbolRate, strconv.FormatInt(parseKSyms(f[4]), 10))
	doc.Set(KeyFEC, fec)
	doc.Set(KeyModulation, modulation)
	doc.Set(KeyRollOff, rolloff)
	doc.Set(KeyPilot, "AUTO")

	return Channel{Name: f[0], ServiceID: uint16(sid), Params: doc}, nil
}

// ParseDVBCLine parses a legacy DVB-C line:
// name:freq_Hz:inversion:sym_rate:fec:qam:vpid:apid:sid
func ParseDVBCLine(line string) (Channel, error) {
	f := strings.Split(line, ":")
	if len(f) != 9 {
		return Channel{}, fmt.Errorf("tuneparams: DVB-C line: want 9 fields, got %d", len(f))
	}
	sid, err := strconv.ParseUint(f[8], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-C line: service id: %w", err)
	}

	doc := New()
	doc.Set(KeyFrequency, f[1])
	doc.Set(KeyInversion, f[2])
	doc.Set(KeySymbolRate, f[3])
	doc.Set(KeyFEC, f[4])
	doc.Set(KeyModulation, f[5])

	return Channel{Name: f[0], ServiceID: uint16(sid), Params: doc}, nil
}

// ParseDVBTLine parses a legacy DVB-T line (Scenario E):
// name:freq:inversion:bw:fec_hp:fec_lp:qam:tmode:guard:hier:vpid:apid:sid
// A frequency below 1,000,000 is interpreted as kHz, per spec.md §6.
func ParseDVBTLine(line string) (Channel, error) {
	f := strings.Split(line, ":")
	if len(f) != 13 {
		return Channel{}, fmt.Errorf("tuneparams: DVB-T line: want 13 fields, got %d", len(f))
	}
	sid, err := strconv.ParseUint(f[12], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-T line: service id: %w", err)
	}
	freq, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: DVB-T line: frequency: %w", err)
	}
	if freq < 1_000_000 {
		freq *= 1000
	}

	doc := New()
	doc.Set(KeyFrequency, strconv.FormatInt(freq, 10))
	doc.Set(KeyInversion, normalizeToken(f[2]))
	doc.Set(KeyBandwidth, normalizeBandwidth(f[3]))
	doc.Set(KeyFECHP, normalizeToken(f[4]))
	doc.Set(KeyFECLP, normalizeToken(f[5]))
	doc.Set(KeyModulation, normalizeToken(f[6]))
	doc.Set(KeyTransmissionMode, normalizeTransmissionMode(f[7]))
	doc.Set(KeyGuardInterval, normalizeToken(f[8]))
	doc.Set(KeyHierarchy, normalizeToken(f[9]))

	return Channel{Name: f[0], ServiceID: uint16(sid), Params: doc}, nil
}

// ParseATSCLine parses a legacy ATSC line: name:freq:modulation:vpid:apid:sid
func ParseATSCLine(line string) (Channel, error) {
	f := strings.Split(line, ":")
	if len(f) != 6 {
		return Channel{}, fmt.Errorf("tuneparams: ATSC line: want 6 fields, got %d", len(f))
	}
	sid, err := strconv.ParseUint(f[5], 10, 16)
	if err != nil {
		return Channel{}, fmt.Errorf("tuneparams: ATSC line: service id: %w", err)
	}

	doc := New()
	doc.Set(KeyFrequency, f[1])
	doc.Set(KeyModulation, normalizeToken(f[2]))

	return Channel{Name: f[0], ServiceID: uint16(sid), Params: doc}, nil
}

// normalizeToken strips a VDR-style ENUM_PREFIX_ like "FEC_2_3" or
// "INVERSION_AUTO" down to the spec's plain value tokens ("2/3", "AUTO").
func normalizeToken(token string) string {
	switch {
	case strings.HasPrefix(token, "INVERSION_"):
		return strings.TrimPrefix(token, "INVERSION_")
	case strings.HasPrefix(token, "FEC_"):
		return strings.ReplaceAll(strings.TrimPrefix(token, "FEC_"), "_", "/")
	case strings.HasPrefix(token, "QAM_"):
		return "QAM" + strings.TrimPrefix(token, "QAM_")
	case strings.HasPrefix(token, "GUARD_INTERVAL_"):
		return strings.ReplaceAll(strings.TrimPrefix(token, "GUARD_INTERVAL_"), "_", "/")
	case strings.HasPrefix(token, "HIERARCHY_"):
		return strings.TrimPrefix(token, "HIERARCHY_")
	default:
		return token
	}
}

func normalizeBandwidth(token string) string {
	// "BANDWIDTH_8_MHZ" -> "8000000" (Hz)
	token = strings.TrimPrefix(token, "BANDWIDTH_")
	token = strings.TrimSuffix(token, "_MHZ")
	mhz, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return token
	}
	return strconv.FormatInt(int64(mhz*1e6), 10)
}

func normalizeTransmissionMode(token string) string {
	// "TRANSMISSION_MODE_8K" -> "8000"
	token = strings.TrimPrefix(token, "TRANSMISSION_MODE_")
	switch token {
	case "2K":
		return "2000"
	case "8K":
		return "8000"
	default:
		return token
	}
}
