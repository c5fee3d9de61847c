package tuneparams

import "testing"

func TestRoundTripSerializeParseSerialize(t *testing.T) {
	d := New()
	d.Set(KeyFrequency, "490000000")
	d.Set(KeyModulation, "QAM64")
	d.Set(KeyBandwidth, "8000000")
	d.Set("CustomKey", "custom-value")

	text1 := d.Serialize()
	parsed, err := Parse(text1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !d.Equal(parsed) {
		t.Fatalf("round-trip mismatch: original=%v parsed=%v", d.values, parsed.values)
	}
	text2 := parsed.Serialize()
	reparsed, err := Parse(text2)
	if err != nil {
		t.Fatalf("Parse (second pass): %v", err)
	}
	if !d.Equal(reparsed) {
		t.Fatalf("second round-trip mismatch")
	}
}

func TestParseIgnoresBlankAndCommentLines(t *testing.T) {
	d, err := Parse("# comment\n\nFrequency=12345\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, ok := d.Get(KeyFrequency); !ok || v != "12345" {
		t.Fatalf("Frequency = %q, ok=%v", v, ok)
	}
}

func TestParseRejectsMissingEquals(t *testing.T) {
	if _, err := Parse("not-a-kv-pair"); err == nil {
		t.Fatal("expected an error for a line with no '='")
	}
}

// TestScenarioEDVBTChannelsLineParse reproduces spec.md's Scenario E.
func TestScenarioEDVBTChannelsLineParse(t *testing.T) {
	line := "BBC ONE:490000000:INVERSION_AUTO:BANDWIDTH_8_MHZ:FEC_2_3:FEC_NONE:QAM_64:TRANSMISSION_MODE_8K:GUARD_INTERVAL_1_32:HIERARCHY_NONE:600:601:4164"

	ch, err := ParseDVBTLine(line)
	if err != nil {
		t.Fatalf("ParseDVBTLine: %v", err)
	}
	if ch.Name != "BBC ONE" {
		t.Fatalf("name = %q, want %q", ch.Name, "BBC ONE")
	}
	if ch.ServiceID != 4164 {
		t.Fatalf("service id = %d, want 4164", ch.ServiceID)
	}

	want := map[string]string{
		KeyFrequency:        "490000000",
		KeyInversion:        "AUTO",
		KeyBandwidth:        "8000000",
		KeyFECHP:            "2/3",
		KeyFECLP:            "NONE",
		KeyModulation:       "QAM64",
		KeyTransmissionMode: "8000",
		KeyGuardInterval:    "1/32",
		KeyHierarchy:        "NONE",
	}
	for k, wantV := range want {
		gotV, ok := ch.Params.Get(k)
		if !ok || gotV != wantV {
			t.Fatalf("param %q = %q (ok=%v), want %q", k, gotV, ok, wantV)
		}
	}
}

func TestParseDVBS2Line(t *testing.T) {
	line := "Astra 19.2E:12551:C23M2O35S0H:192:27500:100:101:0:0:12345:1:1089:0"

	ch, err := ParseDVBS2Line(line)
	if err != nil {
		t.Fatalf("ParseDVBS2Line: %v", err)
	}
	if ch.Name != "Astra 19.2E" {
		t.Fatalf("name = %q, want %q", ch.Name, "Astra 19.2E")
	}
	if ch.ServiceID != 12345 {
		t.Fatalf("service id = %d, want 12345", ch.ServiceID)
	}

	want := map[string]string{
		KeyFrequency:      "12551000000",
		KeyInversion:      "AUTO",
		KeyPolarisation:   "Horizontal",
		KeySatelliteNumber: "0",
		KeySymbolRate:     "27500000",
		KeyFEC:            "2/3",
		KeyModulation:     "QPSK",
		KeyRollOff:        "0.35",
		KeyPilot:          "AUTO",
	}
	for k, wantV := range want {
		gotV, ok := ch.Params.Get(k)
		if !ok || gotV != wantV {
			t.Fatalf("param %q = %q (ok=%v), want %q", k, gotV, ok, wantV)
		}
	}
}

// TestParseDVBS2LineDefaultsWhenParamsTokenOmitsFields checks that a params
// token naming only the polarisation still yields the VDR defaults for the
// fields it leaves out.
func TestParseDVBS2LineDefaultsWhenParamsTokenOmitsFields(t *testing.T) {
	ch, err := ParseDVBS2Line("Minimal:12000:V:0:22000:0:0:0:0:1:0:0:0")
	if err != nil {
		t.Fatalf("ParseDVBS2Line: %v", err)
	}
	want := map[string]string{
		KeyPolarisation: "Vertical",
		KeyFEC:          "AUTO",
		KeyModulation:   "QPSK",
		KeyRollOff:      "0.35",
	}
	for k, wantV := range want {
		gotV, ok := ch.Params.Get(k)
		if !ok || gotV != wantV {
			t.Fatalf("param %q = %q (ok=%v), want %q", k, gotV, ok, wantV)
		}
	}
}

func TestMultiplexKeySatelliteVsTerrestrial(t *testing.T) {
	sat, err := ParseDVBSLine("Sky One:11700:V:1:27500:100:101:6301")
	if err != nil {
		t.Fatalf("ParseDVBSLine: %v", err)
	}
	k := sat.Key()
	if k.Polarisation != "Vertical" || k.SatNo != "1" {
		t.Fatalf("satellite key = %+v", k)
	}

	ter, err := ParseDVBTLine("BBC ONE:490000000:INVERSION_AUTO:BANDWIDTH_8_MHZ:FEC_2_3:FEC_NONE:QAM_64:TRANSMISSION_MODE_8K:GUARD_INTERVAL_1_32:HIERARCHY_NONE:600:601:4164")
	if err != nil {
		t.Fatalf("ParseDVBTLine: %v", err)
	}
	tk := ter.Key()
	if tk.Polarisation != "" || tk.SatNo != "" {
		t.Fatalf("terrestrial key should carry no polarisation/sat_no: %+v", tk)
	}
}
