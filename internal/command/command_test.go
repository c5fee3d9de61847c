package command

import (
	"strings"
	"testing"

	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/coreerr"
	"github.com/plextuner/plex-tuner/internal/servicefilter"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
)

func newTestHandler() (*Handler, *cache.Cache, *tsfilter.Filter) {
	c := cache.New(nil)
	c.Load(cache.Multiplex{UID: "mux-1", TransportStreamID: 0x10})
	c.AddService(0x10, 0x100)
	c.UpdateServiceName(0x100, "BBC ONE")

	sf := servicefilter.New(c)
	tf := tsfilter.New(nil)

	h := New(Dependencies{
		Cache:   c,
		Service: sf,
		Filter:  tf,
	})
	return h, c, tf
}

func TestDispatchUnknownCommand(t *testing.T) {
	h, _, _ := newTestHandler()
	_, err := h.Dispatch("bogus")
	if !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestDispatchEmptyLine(t *testing.T) {
	h, _, _ := newTestHandler()
	_, err := h.Dispatch("   ")
	if !coreerr.Is(err, coreerr.Protocol) {
		t.Fatalf("want Protocol, got %v", err)
	}
}

// TestArgcGuardEnforcesBothBounds is one of spec.md's Open Question bug
// fixes: too few arguments must be rejected, not just too many.
func TestArgcGuardEnforcesBothBounds(t *testing.T) {
	h, _, _ := newTestHandler()
	if _, err := h.Dispatch("select"); !coreerr.Is(err, coreerr.Protocol) {
		t.Fatalf("select with no args: want Protocol, got %v", err)
	}
	if _, err := h.Dispatch("select 0x100 extra"); !coreerr.Is(err, coreerr.Protocol) {
		t.Fatalf("select with extra arg: want Protocol, got %v", err)
	}
}

// TestParsePIDFailsCleanly is the other Open Question bug fix: a malformed
// PID token must not silently parse as zero.
func TestParsePIDFailsCleanly(t *testing.T) {
	if _, ok := ParsePID("not-a-pid"); ok {
		t.Fatal("expected ParsePID to fail on a malformed token")
	}
	if v, ok := ParsePID("0x100"); !ok || v != 0x100 {
		t.Fatalf("ParsePID(0x100) = %#x, %v", v, ok)
	}
	if v, ok := ParsePID("256"); !ok || v != 256 {
		t.Fatalf("ParsePID(256) = %d, %v", v, ok)
	}
}

func TestCmdSelectAndCurrent(t *testing.T) {
	h, _, _ := newTestHandler()
	if _, err := h.Dispatch("select 0x100"); err != nil {
		t.Fatalf("select: %v", err)
	}
	out, err := h.Dispatch("current")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !strings.Contains(out, "0x100") {
		t.Fatalf("current output = %q, want service id 0x100", out)
	}
}

func TestCmdSelectUnknownService(t *testing.T) {
	h, _, _ := newTestHandler()
	if _, err := h.Dispatch("select 0x999"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestCmdServicesListsNames(t *testing.T) {
	h, _, _ := newTestHandler()
	out, err := h.Dispatch("services")
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if !strings.Contains(out, "BBC ONE") {
		t.Fatalf("services output = %q", out)
	}
}

func TestCmdMultiplex(t *testing.T) {
	h, _, _ := newTestHandler()
	out, err := h.Dispatch("multiplex")
	if err != nil {
		t.Fatalf("multiplex: %v", err)
	}
	if !strings.Contains(out, "mux-1") {
		t.Fatalf("multiplex output = %q", out)
	}
}

func TestCmdAddOutputRmOutputRoundTrip(t *testing.T) {
	h, _, tf := newTestHandler()
	tmp := t.TempDir() + "/out.ts"

	if _, err := h.Dispatch("addoutput main file://" + tmp); err != nil {
		t.Fatalf("addoutput: %v", err)
	}
	if _, ok := tf.Find("main"); !ok {
		t.Fatal("expected filter \"main\" to be registered")
	}
	if _, err := h.Dispatch("addoutput main file://" + tmp); !coreerr.Is(err, coreerr.BusyConflict) {
		t.Fatalf("duplicate addoutput: want BusyConflict, got %v", err)
	}
	if _, err := h.Dispatch("rmoutput main"); err != nil {
		t.Fatalf("rmoutput: %v", err)
	}
	if _, ok := tf.Find("main"); ok {
		t.Fatal("expected filter \"main\" to be removed")
	}
	if _, err := h.Dispatch("rmoutput main"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("rmoutput missing: want NotFound, got %v", err)
	}
}

func TestCmdAddPIDRmPIDRoundTrip(t *testing.T) {
	h, _, tf := newTestHandler()
	tmp := t.TempDir() + "/out.ts"
	if _, err := h.Dispatch("addoutput main file://" + tmp); err != nil {
		t.Fatalf("addoutput: %v", err)
	}

	if _, err := h.Dispatch("addpid main 0x200"); err != nil {
		t.Fatalf("addpid: %v", err)
	}
	pf, _ := tf.Find("main")
	if !pf.PIDSet.Contains(0x200) {
		t.Fatal("expected PID 0x200 to be tracked after addpid")
	}

	if _, err := h.Dispatch("rmpid main 0x200"); err != nil {
		t.Fatalf("rmpid: %v", err)
	}
	if pf.PIDSet.Contains(0x200) {
		t.Fatal("expected PID 0x200 to be removed after rmpid")
	}
}

func TestCmdAddPIDMalformedToken(t *testing.T) {
	h, _, _ := newTestHandler()
	tmp := t.TempDir() + "/out.ts"
	if _, err := h.Dispatch("addoutput main file://" + tmp); err != nil {
		t.Fatalf("addoutput: %v", err)
	}
	if _, err := h.Dispatch("addpid main zzz"); !coreerr.Is(err, coreerr.Protocol) {
		t.Fatalf("want Protocol, got %v", err)
	}
}

func TestCmdAddPIDUnknownOutput(t *testing.T) {
	h, _, _ := newTestHandler()
	if _, err := h.Dispatch("addpid ghost 0x200"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestCmdStats(t *testing.T) {
	h, _, _ := newTestHandler()
	tmp := t.TempDir() + "/out.ts"
	if _, err := h.Dispatch("addoutput main file://" + tmp); err != nil {
		t.Fatalf("addoutput: %v", err)
	}
	out, err := h.Dispatch("stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "bitrate=") || !strings.Contains(out, "main") {
		t.Fatalf("stats output = %q", out)
	}
}

func TestCmdPIDsUnknownService(t *testing.T) {
	h, _, _ := newTestHandler()
	if _, err := h.Dispatch("pids 0x999"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestCmdTuneNoAdapterAttached(t *testing.T) {
	h, _, _ := newTestHandler()
	if _, err := h.Dispatch("tune Frequency=490000000"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}
