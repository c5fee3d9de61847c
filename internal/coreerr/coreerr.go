// Package coreerr collects the error kinds shared across the adapter, PSI,
// and cache packages so callers can distinguish "fatal for this session"
// from "log and continue" without string-matching messages.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of spec §7's propagation
// policy: packet-loop errors never abort the loop, control-plane errors
// return structured failures, internal assertions abort.
type Kind int

const (
	// TunerHardware is an ioctl or device-open failure; fatal for the
	// current adapter session.
	TunerHardware Kind = iota
	// TuneTimeout means no lock arrived within the frontend's wait window;
	// recoverable, another tune may succeed.
	TuneTimeout
	// MalformedSection is a CRC mismatch, length overflow, or sync loss;
	// the caller should discard silently and bump a counter.
	MalformedSection
	// NotFound is a failed service/output/PID lookup.
	NotFound
	// BusyConflict is a filter-slot exhaustion or duplicate output name.
	BusyConflict
	// Downstream is a sink write failure; logged once per window, never
	// propagated back into the packet loop.
	Downstream
	// Protocol is an unexpected table_id or structural PSI field; the
	// processor resets and waits for the next section set.
	Protocol
)

func (k Kind) String() string {
	switch k {
	case TunerHardware:
		return "tuner_hardware"
	case TuneTimeout:
		return "tune_timeout"
	case MalformedSection:
		return "malformed_section"
	case NotFound:
		return "not_found"
	case BusyConflict:
		return "busy_conflict"
	case Downstream:
		return "downstream"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error wraps a Kind, the failing operation, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is a coreerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
