package psi

import (
	"testing"
	"time"
)

func TestSTTProcessorDecodesGPSEpoch(t *testing.T) {
	// system_time = 100 seconds after GPS epoch, gps_utc_offset = 18 (current as of 2017+).
	systemTime := uint32(100)
	gpsUTCOffset := uint8(18)

	body := []byte{
		0x00,                                                          // protocol_version
		byte(systemTime >> 24), byte(systemTime >> 16), byte(systemTime >> 8), byte(systemTime),
		gpsUTCOffset,
		0x00, 0x00, // daylight_saving (reserved here)
	}
	section := buildSection(tableIDSTT, 0x0000, 0, 0, 0, body)

	var got time.Time
	proc := NewSTTProcessor(func(t time.Time) { got = t })
	proc.Feed(packetize(ATSCBasePID, 0, section))

	want := gpsEpoch.Add(100*time.Second - 18*time.Second)
	if !got.Equal(want) {
		t.Fatalf("STT decode = %v, want %v", got, want)
	}
}
