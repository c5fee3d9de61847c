// Package tuneparams implements the structured tuning-parameter document
// from spec.md §6: a flat set of key/value scalars describing one
// multiplex's delivery parameters, serializable to and from a line-oriented
// text form for the on-disk channel cache and the command surface.
package tuneparams

import (
	"fmt"
	"sort"
	"strings"
)

// Recognized keys. Unrecognized keys are preserved verbatim (round-trip
// property, spec.md §8 Testable Property 5) but not interpreted.
const (
	KeyFrequency        = "Frequency"
	KeyInversion         = "Inversion"
	KeyFEC               = "FEC"
	KeyFECHP             = "FEC HP"
	KeyFECLP             = "FEC LP"
	KeySymbolRate        = "Symbol Rate"
	KeyBandwidth         = "Bandwidth"
	KeyModulation        = "Modulation"
	KeyConstellation     = "Constellation"
	KeyGuardInterval     = "Guard Interval"
	KeyTransmissionMode  = "Transmission Mode"
	KeyHierarchy         = "Hierarchy"
	KeyPolarisation      = "Polarisation"
	KeySatelliteNumber   = "Satellite Number"
	KeyRollOff           = "Roll Off"
	KeyPilot             = "Pilot"
)

// Document is an ordered set of key/value scalars. Order is preserved on
// Serialize purely for readability; Parse/Serialize round-trips are
// compared order-irrelevantly (spec.md §8).
type Document struct {
	keys   []string
	values map[string]string
}

// New returns an empty Document.
func New() *Document {
	return &Document{values: make(map[string]string)}
}

// Set assigns a key, appending it to the key order on first use.
func (d *Document) Set(key, value string) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns a key's value and whether it was set.
func (d *Document) Get(key string) (string, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Equal reports whether two Documents hold the same key/value set,
// irrespective of insertion order.
func (d *Document) Equal(other *Document) bool {
	if len(d.values) != len(other.values) {
		return false
	}
	for k, v := range d.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Serialize renders the document as one "Key=Value" pair per line, in
// insertion order.
func (d *Document) Serialize() string {
	var b strings.Builder
	for _, k := range d.keys {
		fmt.Fprintf(&b, "%s=%s\n", k, d.values[k])
	}
	return b.String()
}

// Parse decodes a Serialize-produced (or hand-authored) "Key=Value" text
// block into a Document. Blank lines and lines starting with '#' are
// ignored.
func Parse(text string) (*Document, error) {
	d := New()
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("tuneparams: line %d: missing '=': %q", i+1, line)
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" {
			return nil, fmt.Errorf("tuneparams: line %d: empty key", i+1)
		}
		d.Set(key, value)
	}
	return d, nil
}

// SortedKeys returns Keys() sorted lexically, for callers that want
// stable, diffable output rather than insertion order.
func (d *Document) SortedKeys() []string {
	out := d.Keys()
	sort.Strings(out)
	return out
}
