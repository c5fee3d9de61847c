// Package cache implements the in-memory authoritative model described in
// spec.md §4.6: the currently-tuned Multiplex, its Services, and each
// Service's elementary-stream PID list. Readers take a shared lock and get
// back copies of the relevant slices, so a writer replacing a Service's
// PIDs never invalidates a snapshot a reader is still holding — the same
// effect spec.md's "reference-counted inner arrays" describes, achieved
// here by copy-on-read instead of manual refcounting (Go's GC already
// keeps a copy alive for as long as a caller holds it).
package cache

import (
	"sync"

	"github.com/plextuner/plex-tuner/internal/eventbus"
)

// Source is this package's eventbus.Event.Source.
const Source = "Cache"

// Event names fired on the bus passed to New.
const (
	EventLoaded          = "Loaded"
	EventFlushed          = "Flushed"
	EventServiceAdded     = "ServiceAdded"
	EventServiceRemoved   = "ServiceRemoved"
	EventServiceChanged   = "ServiceChanged"
	EventPIDsUpdated      = "PIDsUpdated"
)

// PIDEntry is one (PID, stream_type, subtype) triple owned by a Service.
type PIDEntry struct {
	PID        uint16
	StreamType byte
	Subtype    string
}

// Service is a snapshot (or, internally, the live record) of one program
// within the current Multiplex.
type Service struct {
	ServiceID  uint16
	SourceID   uint16 // ATSC source_id; 0 when unset
	HasSourceID bool
	Name       string
	PMTPID     uint16
	PMTVersion uint8
	HasPMT     bool // false until the first PMT has been processed
	PCRPID     uint16
	HasPCRPID  bool
	PIDs       []PIDEntry // elementary streams only, PMT order
}

// OrderedPIDs returns the PCR PID (if signalled and not already the first
// elementary stream) followed by the elementary stream PIDs in PMT order —
// the sequence spec.md's get_pids is expected to return.
func (s Service) OrderedPIDs() []PIDEntry {
	if !s.HasPCRPID {
		return append([]PIDEntry(nil), s.PIDs...)
	}
	for _, e := range s.PIDs {
		if e.PID == s.PCRPID {
			return append([]PIDEntry(nil), s.PIDs...)
		}
	}
	out := make([]PIDEntry, 0, len(s.PIDs)+1)
	out = append(out, PIDEntry{PID: s.PCRPID})
	out = append(out, s.PIDs...)
	return out
}

// Multiplex is the currently-tuned transponder: its tuning parameters and
// transport_stream_id once the PAT has been seen.
type Multiplex struct {
	UID               string
	DeliverySystem    string
	Parameters        map[string]string
	TransportStreamID uint16
	HasTSID           bool
}

func cloneMultiplex(m Multiplex) Multiplex {
	params := make(map[string]string, len(m.Parameters))
	for k, v := range m.Parameters {
		params[k] = v
	}
	m.Parameters = params
	return m
}

func cloneService(s *Service) Service {
	cp := *s
	cp.PIDs = append([]PIDEntry(nil), s.PIDs...)
	return cp
}

// Cache is the live multiplex/service model. Many readers, one writer: the
// mutex is an RWMutex; writers briefly hold it exclusively to mutate then
// release before firing bus events, so Cache never calls back into the
// bus while holding its write lock (spec.md §4.8).
type Cache struct {
	mu        sync.RWMutex
	bus       *eventbus.Bus
	multiplex *Multiplex
	services  map[uint16]*Service
}

// New returns an empty Cache. bus may be nil, in which case Cache
// operations still work but fire no events (useful in unit tests that
// only care about state, not notifications).
func New(bus *eventbus.Bus) *Cache {
	return &Cache{bus: bus, services: make(map[uint16]*Service)}
}

func (c *Cache) fire(event string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Fire(eventbus.Event{Source: Source, Name: event}, payload)
}

// Load populates the cache for a newly-tuned multiplex, discarding
// whatever the previous current multiplex held. Per spec.md invariant 1,
// Cache mirrors exactly one multiplex at a time.
func (c *Cache) Load(mux Multiplex) {
	clone := cloneMultiplex(mux)
	c.mu.Lock()
	c.multiplex = &clone
	c.services = make(map[uint16]*Service)
	c.mu.Unlock()
	c.fire(EventLoaded, clone)
}

// Flush clears the cache (persistence is out of scope for this core; see
// spec.md §1 — a real deployment would write through to on-disk storage
// here before clearing).
func (c *Cache) Flush() {
	c.mu.Lock()
	mux := c.multiplex
	c.multiplex = nil
	c.services = make(map[uint16]*Service)
	c.mu.Unlock()
	c.fire(EventFlushed, mux)
}

// CurrentMultiplex returns a copy of the currently-tuned multiplex, or
// false if none is loaded.
func (c *Cache) CurrentMultiplex() (Multiplex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.multiplex == nil {
		return Multiplex{}, false
	}
	return cloneMultiplex(*c.multiplex), true
}

// SetTransportStreamID records the TSID once the current multiplex's PAT
// has been seen.
func (c *Cache) SetTransportStreamID(tsid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.multiplex == nil {
		return
	}
	c.multiplex.TransportStreamID = tsid
	c.multiplex.HasTSID = true
}

// AddService creates a new Service for service_id sid within the current
// multiplex (tsid must match the multiplex's transport_stream_id, or the
// multiplex must not have seen a PAT yet). If the service already exists
// it is returned unchanged.
func (c *Cache) AddService(tsid, sid uint16) (Service, bool) {
	c.mu.Lock()
	if c.multiplex == nil {
		c.mu.Unlock()
		return Service{}, false
	}
	if c.multiplex.HasTSID && c.multiplex.TransportStreamID != tsid {
		c.mu.Unlock()
		return Service{}, false
	}
	if !c.multiplex.HasTSID {
		c.multiplex.TransportStreamID = tsid
		c.multiplex.HasTSID = true
	}
	if existing, ok := c.services[sid]; ok {
		snap := cloneService(existing)
		c.mu.Unlock()
		return snap, true
	}
	svc := &Service{ServiceID: sid, Name: "Unknown"}
	c.services[sid] = svc
	snap := cloneService(svc)
	c.mu.Unlock()
	c.fire(EventServiceAdded, snap)
	return snap, true
}

// RemoveService deletes a service (configuration-driven removal only, per
// spec.md's Service lifecycle note).
func (c *Cache) RemoveService(sid uint16) bool {
	c.mu.Lock()
	_, ok := c.services[sid]
	if ok {
		delete(c.services, sid)
	}
	c.mu.Unlock()
	if ok {
		c.fire(EventServiceRemoved, sid)
	}
	return ok
}

// GetService returns a snapshot of one service by id.
func (c *Cache) GetService(sid uint16) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[sid]
	if !ok {
		return Service{}, false
	}
	return cloneService(svc), true
}

// FindServiceByName returns the first service whose Name matches exactly.
func (c *Cache) FindServiceByName(name string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, svc := range c.services {
		if svc.Name == name {
			return cloneService(svc), true
		}
	}
	return Service{}, false
}

// GetPIDs returns a snapshot of one service's ordered PID entries
// (PCR PID first, if signalled and distinct, then elementary streams in
// PMT order) and its PMT version.
func (c *Cache) GetPIDs(sid uint16) ([]PIDEntry, uint8, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[sid]
	if !ok {
		return nil, 0, false
	}
	return svc.OrderedPIDs(), svc.PMTVersion, true
}

// SetPMTPID records the pmt_pid a PAT entry announced for a service. It is
// idempotent and fires no event by itself; the PMT contents it unlocks are
// announced separately by UpdatePIDs.
func (c *Cache) SetPMTPID(sid, pmtPID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[sid]
	if !ok {
		return false
	}
	svc.PMTPID = pmtPID
	return true
}

// UpdatePIDs atomically replaces a service's PCR PID and elementary stream
// list and bumps its pmt_version, then fires PIDsUpdated. If the service
// is not yet known (PMT arrived before PAT, or the service was removed
// mid-tune) UpdatePIDs is a no-op and returns false.
func (c *Cache) UpdatePIDs(sid uint16, pcrPID uint16, streams []PIDEntry, version uint8) bool {
	c.mu.Lock()
	svc, ok := c.services[sid]
	if !ok {
		c.mu.Unlock()
		return false
	}
	svc.PCRPID = pcrPID
	svc.HasPCRPID = true
	svc.PIDs = append([]PIDEntry(nil), streams...)
	svc.PMTVersion = version
	svc.HasPMT = true
	snap := cloneService(svc)
	c.mu.Unlock()
	c.fire(EventPIDsUpdated, snap)
	return true
}

// UpdateServiceName sets a service's display name (from SDT) and fires
// ServiceChanged exactly once, only when the name actually changes.
func (c *Cache) UpdateServiceName(sid uint16, name string) bool {
	c.mu.Lock()
	svc, ok := c.services[sid]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if svc.Name == name {
		c.mu.Unlock()
		return true
	}
	svc.Name = name
	snap := cloneService(svc)
	c.mu.Unlock()
	c.fire(EventServiceChanged, snap)
	return true
}

// UpdateServiceID renumbers a service (rare; some broadcasters renumber a
// service_id without a tune). The map key and Service.ServiceID are kept
// in sync.
func (c *Cache) UpdateServiceID(oldID, newID uint16) bool {
	c.mu.Lock()
	svc, ok := c.services[oldID]
	if !ok || oldID == newID {
		c.mu.Unlock()
		return ok
	}
	delete(c.services, oldID)
	svc.ServiceID = newID
	c.services[newID] = svc
	snap := cloneService(svc)
	c.mu.Unlock()
	c.fire(EventServiceChanged, snap)
	return true
}

// Services returns a snapshot of every service currently known, in no
// particular order.
func (c *Cache) Services() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, cloneService(svc))
	}
	return out
}
