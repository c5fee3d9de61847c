// Package adapter abstracts one broadcast tuner: a real kernel DVB device
// (frontend + demux + DVR file descriptors) or a file-backed fake used in
// tests. Both present the same Adapter surface.
package adapter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/plextuner/plex-tuner/internal/eventbus"
)

// Source is this package's eventbus.Event.Source.
const Source = "Adapter"

// State names, also used as event names fired on state transitions.
const (
	StateClosed     = "CLOSED"
	StateIdle       = "IDLE"
	StateTuning     = "TUNING"
	StateLocked     = "LOCKED"
	StateUnlocked   = "UNLOCKED"
	StateTuneFailed = "TUNE_FAILED"
)

// Additional event names.
const (
	EventOpened    = "Opened"
	EventTuneFailed = "TuneFailed"
)

// DeliverySystem identifies the broadcast standard a set of Parameters is
// tuned for.
type DeliverySystem string

const (
	DeliveryDVBS  DeliverySystem = "DVB-S"
	DeliveryDVBS2 DeliverySystem = "DVB-S2"
	DeliveryDVBC  DeliverySystem = "DVB-C"
	DeliveryDVBT  DeliverySystem = "DVB-T"
	DeliveryDVBT2 DeliverySystem = "DVB-T2"
	DeliveryATSC  DeliverySystem = "ATSC"
	DeliveryISDBT DeliverySystem = "ISDB-T"
)

// Parameters is the structured tuning-parameter document from spec.md §6:
// recognized keys are scalar strings (Frequency, Modulation, ...); unknown
// keys are preserved so round-trip serialization is lossless.
type Parameters map[string]string

// Clone returns an independent copy.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Status is the result of Adapter.Status.
type Status struct {
	Locked            bool
	BitErrorRate      uint32
	SignalStrength    uint32
	SNR               uint32
	UncorrectedBlocks uint32
}

// TuneFailedPayload is the structured event payload fired on TuneFailed.
type TuneFailedPayload struct {
	AdapterIndex int
}

// Device is the low-level hardware (or fake) surface an Adapter drives. The
// real implementation issues Linux DVB API ioctls; FakeDevice replays a
// scripted byte stream for tests.
type Device interface {
	// OpenFrontend probes capabilities and returns the maximum number of
	// hardware PID filter slots (0 means "unbounded", e.g. full-TS capture).
	OpenFrontend(index int) (maxFilters int, err error)
	CloseFrontend() error

	// Tune submits tuning parameters to the frontend. It must not block
	// waiting for lock; lock status is polled via PollLock.
	Tune(ds DeliverySystem, params Parameters) error

	// PollLock reports the frontend's current lock state and signal
	// quality figures.
	PollLock() (Status, error)

	// DiSEqC issues one named Low-Noise-Block signalling step (see
	// diseqc.go for the step sequence and names). Implementations for
	// non-satellite delivery systems may treat this as a no-op.
	DiSEqC(step string, params Parameters) error

	// AllocatePIDFilter and ReleasePIDFilter manage one hardware demux
	// filter slot per distinct PID; AllocatePIDFilter for a PID that is
	// not yet open on the TS demux should actually open it; the Adapter
	// above this layer handles reference counting so Device only sees
	// net opens/closes.
	AllocatePIDFilter(pid uint16) error
	ReleasePIDFilter(pid uint16) error

	// ReadDVR drains demuxed/raw TS bytes into buf, returning the number
	// of bytes read (a multiple of 188).
	ReadDVR(ctx context.Context, buf []byte) (int, error)

	// Supports reports whether a delivery system / parameter / value
	// combination is accepted by this device.
	Supports(ds DeliverySystem, param, value string) bool
}

// command is one serialized request posted to the Adapter's input-loop
// command channel (spec.md §4.2, "Concurrency").
type command struct {
	kind commandKind
	ds   DeliverySystem
	params Parameters
	active bool
	reply  chan error
}

type commandKind int

const (
	cmdTune commandKind = iota
	cmdSetActive
)

// Adapter drives one Device through the frontend state machine described in
// spec.md §4.2: CLOSED -> IDLE -> TUNING -> LOCKED, and TUNING ->
// TUNE_FAILED -> UNLOCKED on a failed tune. Lock is polled only while
// tuning; a loss of lock after LOCKED is not detected, so the adapter does
// not move from LOCKED to UNLOCKED on its own.
type Adapter struct {
	index         int
	hwRestricted  bool
	dev           Device
	bus           *eventbus.Bus
	maxFilters    int

	mu            sync.Mutex
	state         string
	lastDS        DeliverySystem
	lastParams    Parameters
	lastStatus    Status

	filterMu      sync.Mutex
	filterRefs    map[uint16]int

	cmdCh         chan command
	stopCh        chan struct{}
	loopDone      chan struct{}

	zeroReadStreak int
}

// zeroReadWarnThreshold is how many consecutive zero-byte DVR reads are
// tolerated before a warning is logged (spec.md §4.2, "Failure semantics").
const zeroReadWarnThreshold = 50

// tuneLockTimeout is the default wait for a kernel lock event before a
// TuneFailed fires (spec.md §5, "Cancellation / timeouts").
const tuneLockTimeout = 3 * time.Second

// restrictedFilterCap is the filter-slot count a restricted adapter gets
// when the device itself reports no fixed limit (maxFilters == 0), matching
// fileadapter.c's hwRestricted branch (16 slots restricted, 256 open).
const restrictedFilterCap = 16

// Open opens dev at the given adapter index, probing its filter-slot
// capacity. hwRestrictedHint requests restricted-mode PID filtering even if
// the device would otherwise allow full-TS capture (spec.md §4.2: "promotes
// to restricted mode if bus bandwidth is insufficient"); a device that also
// reports its own positive filter count is always treated as restricted,
// since it cannot do full-TS capture regardless of the hint.
func Open(index int, hwRestrictedHint bool, dev Device, bus *eventbus.Bus) (*Adapter, error) {
	maxFilters, err := dev.OpenFrontend(index)
	if err != nil {
		return nil, fmt.Errorf("adapter: open frontend %d: %w", index, err)
	}
	hwRestricted := hwRestrictedHint || maxFilters > 0
	if hwRestricted && maxFilters == 0 {
		maxFilters = restrictedFilterCap
	}
	a := &Adapter{
		index:        index,
		hwRestricted: hwRestricted,
		dev:          dev,
		bus:          bus,
		maxFilters:   maxFilters,
		state:        StateIdle,
		filterRefs:   make(map[uint16]int),
		cmdCh:        make(chan command, 8),
		stopCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	go a.loop()
	a.fire(EventOpened, index)
	return a, nil
}

func (a *Adapter) fire(event string, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Fire(eventbus.Event{Source: Source, Name: event}, payload)
}

func (a *Adapter) setState(s string) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.fire(s, nil)
}

// State returns the adapter's current state machine state.
func (a *Adapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// loop is the Adapter's dedicated command-channel consumer: every tune/
// activate/deactivate request lands here so ioctls run on a single thread
// (spec.md §4.2, "Concurrency").
func (a *Adapter) loop() {
	defer close(a.loopDone)
	for {
		select {
		case <-a.stopCh:
			return
		case c := <-a.cmdCh:
			var err error
			switch c.kind {
			case cmdTune:
				err = a.doTune(c.ds, c.params)
			case cmdSetActive:
				err = a.doSetActive(c.active)
			}
			if c.reply != nil {
				c.reply <- err
			}
		}
	}
}

// Close stops the command loop and closes the frontend device.
func (a *Adapter) Close() error {
	close(a.stopCh)
	<-a.loopDone
	a.setState(StateClosed)
	return a.dev.CloseFrontend()
}

// Tune posts a tune request and returns immediately; lock state arrives via
// the bus as a LOCKED/UNLOCKED/TUNE_FAILED event (spec.md §4.2).
func (a *Adapter) Tune(ds DeliverySystem, params Parameters) {
	a.cmdCh <- command{kind: cmdTune, ds: ds, params: params.Clone()}
}

func (a *Adapter) doTune(ds DeliverySystem, params Parameters) error {
	a.setState(StateTuning)

	if ds == DeliveryDVBS || ds == DeliveryDVBS2 {
		if err := runDiSEqC(a.dev, params); err != nil {
			a.fire(EventTuneFailed, TuneFailedPayload{AdapterIndex: a.index})
			a.setState(StateTuneFailed)
			a.setState(StateUnlocked)
			return err
		}
	}

	if err := a.dev.Tune(ds, params); err != nil {
		a.fire(EventTuneFailed, TuneFailedPayload{AdapterIndex: a.index})
		a.setState(StateTuneFailed)
		a.setState(StateUnlocked)
		return err
	}

	a.mu.Lock()
	a.lastDS = ds
	a.lastParams = params.Clone()
	a.mu.Unlock()

	locked := a.waitForLock(tuneLockTimeout)
	if !locked {
		a.fire(EventTuneFailed, TuneFailedPayload{AdapterIndex: a.index})
		a.setState(StateTuneFailed)
		a.setState(StateUnlocked)
		return fmt.Errorf("adapter: no lock within %s", tuneLockTimeout)
	}
	a.startAllocatedFilters()
	a.setState(StateLocked)
	return nil
}

// waitForLock polls the device for lock status until it reports locked or
// the timeout elapses.
func (a *Adapter) waitForLock(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := a.dev.PollLock()
		if err == nil {
			a.mu.Lock()
			a.lastStatus = st
			a.mu.Unlock()
			if st.Locked {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// startAllocatedFilters re-opens hardware filters for every PID currently
// tracked with a nonzero reference count, after a fresh lock (spec.md
// §4.2: "HAS_LOCK event ... starts all allocated filters").
func (a *Adapter) startAllocatedFilters() {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	for pid, refs := range a.filterRefs {
		if refs > 0 {
			if err := a.dev.AllocatePIDFilter(pid); err != nil {
				log.Printf("adapter: re-allocating filter for PID %#x after lock: %v", pid, err)
			}
		}
	}
}

// SetActive toggles idle mode. SetActive(false) moves the state machine to
// IDLE; it does not close the frontend or stop hardware filters.
// SetActive(true) re-tunes to the last parameters the device accepted, or
// stays IDLE if there are none; the frontend is not re-opened.
func (a *Adapter) SetActive(active bool) error {
	reply := make(chan error, 1)
	a.cmdCh <- command{kind: cmdSetActive, active: active, reply: reply}
	return <-reply
}

func (a *Adapter) doSetActive(active bool) error {
	if !active {
		a.setState(StateIdle)
		return nil
	}
	a.mu.Lock()
	ds, params := a.lastDS, a.lastParams
	a.mu.Unlock()
	if ds == "" {
		a.setState(StateIdle)
		return nil
	}
	return a.doTune(ds, params)
}

// AllocateFilter reserves a hardware PID filter slot for pid, incrementing
// its reference count if already allocated. pid == tspacket.AllPIDs (8192)
// requests full-TS capture and bypasses the slot count.
func (a *Adapter) AllocateFilter(pid uint16) error {
	const allPIDs = 8192
	a.filterMu.Lock()
	defer a.filterMu.Unlock()

	if refs := a.filterRefs[pid]; refs > 0 {
		a.filterRefs[pid] = refs + 1
		return nil
	}
	if pid != allPIDs && a.hwRestricted && a.distinctFiltersLocked() >= a.maxFilters {
		return fmt.Errorf("adapter: no free PID filter slots (max %d)", a.maxFilters)
	}
	if err := a.dev.AllocatePIDFilter(pid); err != nil {
		return fmt.Errorf("adapter: allocate filter for PID %#x: %w", pid, err)
	}
	a.filterRefs[pid] = 1
	return nil
}

// ReleaseFilter mirrors AllocateFilter: decrements the reference count and
// only actually frees the hardware slot when it reaches zero.
func (a *Adapter) ReleaseFilter(pid uint16) error {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()

	refs, ok := a.filterRefs[pid]
	if !ok || refs == 0 {
		return fmt.Errorf("adapter: release of unallocated PID %#x", pid)
	}
	if refs > 1 {
		a.filterRefs[pid] = refs - 1
		return nil
	}
	delete(a.filterRefs, pid)
	return a.dev.ReleasePIDFilter(pid)
}

func (a *Adapter) distinctFiltersLocked() int {
	return len(a.filterRefs)
}

// AvailableFilters returns maxFilters minus the number of distinct PIDs
// currently holding a slot (Testable Property 6).
func (a *Adapter) AvailableFilters() int {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	if a.maxFilters == 0 {
		return -1 // unbounded
	}
	return a.maxFilters - a.distinctFiltersLocked()
}

// Status returns the most recently polled lock/signal figures.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStatus
}

// ReadDVR drains demuxed TS bytes, tracking consecutive zero-byte reads and
// warning (not failing) once the threshold is crossed.
func (a *Adapter) ReadDVR(ctx context.Context, buf []byte) (int, error) {
	n, err := a.dev.ReadDVR(ctx, buf)
	if err != nil {
		return n, err
	}
	if n == 0 {
		a.zeroReadStreak++
		if a.zeroReadStreak == zeroReadWarnThreshold {
			log.Printf("adapter %d: %d consecutive zero-byte DVR reads", a.index, a.zeroReadStreak)
		}
	} else {
		a.zeroReadStreak = 0
	}
	return n, nil
}

// Supports delegates to the underlying Device.
func (a *Adapter) Supports(ds DeliverySystem, param, value string) bool {
	return a.dev.Supports(ds, param, value)
}

// ReadPackets implements tsfilter.PacketReader so a TS Filter can read
// directly from an Adapter.
func (a *Adapter) ReadPackets(ctx context.Context, buf []byte) (int, error) {
	return a.ReadDVR(ctx, buf)
}
