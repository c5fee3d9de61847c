package adapter

import (
	"context"
	"fmt"
	"sync"
)

// FakeDevice is an in-memory test Device: it never touches real hardware,
// replays a scripted packet stream, and lets tests script lock outcomes and
// capabilities directly.
type FakeDevice struct {
	mu sync.Mutex

	MaxFilters int
	OpenErr    error

	// TuneFunc, if set, is invoked by Tune; return an error to simulate an
	// ioctl failure. Tests that want TuneFailed typically set this.
	TuneFunc func(ds DeliverySystem, params Parameters) error

	// Locked controls PollLock's return value; tests flip it directly, and
	// Tune sets it when TuneFunc is nil.
	Locked bool

	// Packets is the full byte stream ReadDVR drains, one read at a time,
	// ReadChunk bytes per call (0 means "all remaining bytes in one read").
	Packets   []byte
	ReadChunk int
	readOff   int

	DiSEqCSteps []string

	SupportsFunc func(ds DeliverySystem, param, value string) bool

	filterOpens map[uint16]int
}

// NewFakeDevice returns a FakeDevice with maxFilters hardware slots.
func NewFakeDevice(maxFilters int) *FakeDevice {
	return &FakeDevice{MaxFilters: maxFilters, filterOpens: make(map[uint16]int)}
}

func (d *FakeDevice) OpenFrontend(index int) (int, error) {
	if d.OpenErr != nil {
		return 0, d.OpenErr
	}
	return d.MaxFilters, nil
}

func (d *FakeDevice) CloseFrontend() error { return nil }

func (d *FakeDevice) Tune(ds DeliverySystem, params Parameters) error {
	if d.TuneFunc != nil {
		return d.TuneFunc(ds, params)
	}
	d.mu.Lock()
	d.Locked = true
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) PollLock() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Locked: d.Locked, SignalStrength: 80, SNR: 30}, nil
}

func (d *FakeDevice) DiSEqC(step string, params Parameters) error {
	d.mu.Lock()
	d.DiSEqCSteps = append(d.DiSEqCSteps, step)
	d.mu.Unlock()
	return nil
}

func (d *FakeDevice) AllocatePIDFilter(pid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filterOpens[pid]++
	return nil
}

func (d *FakeDevice) ReleasePIDFilter(pid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filterOpens[pid] == 0 {
		return fmt.Errorf("fake device: release of never-opened PID %#x", pid)
	}
	d.filterOpens[pid]--
	return nil
}

func (d *FakeDevice) ReadDVR(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOff >= len(d.Packets) {
		return 0, nil
	}
	chunk := d.ReadChunk
	if chunk <= 0 || chunk > len(buf) {
		chunk = len(buf)
	}
	remaining := len(d.Packets) - d.readOff
	if chunk > remaining {
		chunk = remaining
	}
	n := copy(buf[:chunk], d.Packets[d.readOff:d.readOff+chunk])
	d.readOff += n
	return n, nil
}

func (d *FakeDevice) Supports(ds DeliverySystem, param, value string) bool {
	if d.SupportsFunc != nil {
		return d.SupportsFunc(ds, param, value)
	}
	return true
}
