package adapter

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/time/rate"
)

// defaultFileAdapterBitrate approximates a single DVB-S2 multiplex; just
// fast enough that a replayed recording looks like a live tune to the rest
// of the pipeline without flooding it.
const defaultFileAdapterBitrate = 38_000_000 // bits/sec

// PacedFileDevice replays a recorded TS file through the Device interface,
// rate-limited so a tool downstream of the TS Filter sees a realistic
// bitrate instead of the whole file at once. spec.md's Open Questions asks
// whether file-adapter reads should be paced; this module's answer is yes,
// and golang.org/x/time/rate is the idiomatic way to do it.
type PacedFileDevice struct {
	*FakeDevice
	limiter *rate.Limiter
}

// NewPacedFileDevice loads path into memory and returns a Device that
// replays it at bitrateBps (0 uses defaultFileAdapterBitrate).
func NewPacedFileDevice(path string, bitrateBps int) (*PacedFileDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("adapter: read file adapter source %q: %w", path, err)
	}
	if bitrateBps <= 0 {
		bitrateBps = defaultFileAdapterBitrate
	}
	fd := NewFakeDevice(32)
	fd.Packets = data
	fd.ReadChunk = 188 * 64 // 64 packets per read; the TS Filter's read buffer holds 348
	fd.Locked = true
	return &PacedFileDevice{
		FakeDevice: fd,
		limiter:    rate.NewLimiter(rate.Limit(bitrateBps/8), bitrateBps/8),
	}, nil
}

// ReadDVR paces reads to the configured bitrate before delegating to the
// underlying FakeDevice.
func (d *PacedFileDevice) ReadDVR(ctx context.Context, buf []byte) (int, error) {
	n, err := d.FakeDevice.ReadDVR(ctx, buf)
	if err != nil || n == 0 {
		return n, err
	}
	if werr := d.limiter.WaitN(ctx, n); werr != nil {
		return n, werr
	}
	return n, nil
}
