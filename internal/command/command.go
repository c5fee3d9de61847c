// Package command implements the line-oriented text command surface from
// spec.md §6: tune/select/current/services/multiplex/pids/addoutput/
// rmoutput/addpid/rmpid/stats.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/plextuner/plex-tuner/internal/adapter"
	"github.com/plextuner/plex-tuner/internal/cache"
	"github.com/plextuner/plex-tuner/internal/coreerr"
	"github.com/plextuner/plex-tuner/internal/servicefilter"
	"github.com/plextuner/plex-tuner/internal/tsfilter"
	"github.com/plextuner/plex-tuner/internal/tuneparams"
)

// errString is a trivial error for building coreerr.Error causes out of
// formatted text.
type errString string

func (e errString) Error() string { return string(e) }

func cerr(kind coreerr.Kind, op, format string, args ...any) error {
	return coreerr.New(kind, op, errString(fmt.Sprintf(format, args...)))
}

// argRange bounds a command's accepted argument count, inclusive.
type argRange struct{ min, max int }

// check validates argc against [min, max] inclusive — spec.md's Open
// Question decision: the original's guard inverted both comparisons
// (minargs >= argc && maxargs <= argc), rejecting nearly every valid
// call; this core enforces min <= argc <= max.
func (r argRange) check(argc int) bool {
	return r.min <= argc && argc <= r.max
}

// ParsePID parses a PID token: decimal by default, hex when prefixed with
// "0x" (spec.md §6). Returns (0, false) on a malformed token — the
// original's parser returned a successfully-parsed-looking zero on
// failure, which this core's Open Question decision treats as a bug.
func ParsePID(token string) (uint16, bool) {
	token = strings.TrimSpace(token)
	base := 10
	if strings.HasPrefix(strings.ToLower(token), "0x") {
		token = token[2:]
		base = 16
	}
	if token == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(token, base, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// Dependencies wires the subsystems command handlers call into.
type Dependencies struct {
	Cache   *cache.Cache
	Service *servicefilter.Filter
	Filter  *tsfilter.Filter
	Adapter *adapter.Adapter

	// DeliverySystem is fixed for the lifetime of a command handler: the
	// text command surface tunes within one already-opened adapter's
	// delivery system rather than switching systems per call.
	DeliverySystem adapter.DeliverySystem
}

// Handler dispatches one line to the matching command, returning its text
// reply (without a trailing newline) or a *coreerr.Error on failure.
type Handler struct {
	deps Dependencies
}

// New returns a Handler wired to deps.
func New(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

var argRanges = map[string]argRange{
	"tune":      {1, 1},
	"select":    {1, 1},
	"current":   {0, 0},
	"services":  {0, 0},
	"multiplex": {0, 0},
	"pids":      {1, 1},
	"addoutput": {2, 2},
	"rmoutput":  {1, 1},
	"addpid":    {2, 2},
	"rmpid":     {2, 2},
	"stats":     {0, 0},
}

// Dispatch parses and executes one command line.
func (h *Handler) Dispatch(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", cerr(coreerr.Protocol, "dispatch", "empty command")
	}
	name := fields[0]
	args := fields[1:]

	r, known := argRanges[name]
	if !known {
		return "", cerr(coreerr.NotFound, name, "unknown command")
	}
	if !r.check(len(args)) {
		return "", cerr(coreerr.Protocol, name, "wrong number of arguments: got %d", len(args))
	}

	switch name {
	case "tune":
		return h.cmdTune(args)
	case "select":
		return h.cmdSelect(args)
	case "current":
		return h.cmdCurrent()
	case "services":
		return h.cmdServices()
	case "multiplex":
		return h.cmdMultiplex()
	case "pids":
		return h.cmdPIDs(args)
	case "addoutput":
		return h.cmdAddOutput(args)
	case "rmoutput":
		return h.cmdRemoveOutput(args)
	case "addpid":
		return h.cmdAddPID(args)
	case "rmpid":
		return h.cmdRemovePID(args)
	case "stats":
		return h.cmdStats()
	}
	return "", cerr(coreerr.NotFound, name, "unknown command")
}

// cmdTune accepts an inline tuning-parameter document as
// "Key1=Value1;Key2=Value2": the tuneparams.Document text form with its
// newlines swapped for semicolons.
func (h *Handler) cmdTune(args []string) (string, error) {
	if h.deps.Adapter == nil {
		return "", cerr(coreerr.NotFound, "tune", "no adapter attached")
	}
	doc, err := tuneparams.Parse(strings.ReplaceAll(args[0], ";", "\n"))
	if err != nil {
		return "", cerr(coreerr.Protocol, "tune", "%v", err)
	}
	params := make(adapter.Parameters, len(doc.Keys()))
	for _, k := range doc.Keys() {
		v, _ := doc.Get(k)
		params[k] = v
	}
	h.deps.Adapter.Tune(h.deps.DeliverySystem, params)
	return "OK", nil
}

func (h *Handler) cmdSelect(args []string) (string, error) {
	sid, ok := ParsePID(args[0])
	if !ok {
		return "", cerr(coreerr.Protocol, "select", "malformed service id %q", args[0])
	}
	if h.deps.Service == nil {
		return "", cerr(coreerr.NotFound, "select", "no service filter attached")
	}
	if _, ok := h.deps.Cache.GetService(sid); !ok {
		return "", cerr(coreerr.NotFound, "select", "service %#x not found", sid)
	}
	h.deps.Service.Attach(sid)
	return "OK", nil
}

func (h *Handler) cmdCurrent() (string, error) {
	if h.deps.Service == nil {
		return "", cerr(coreerr.NotFound, "current", "no service filter attached")
	}
	sel := h.deps.Service.Current()
	return fmt.Sprintf("service=%#x pmt_pid=%#x", sel.ServiceID, sel.PMTPID), nil
}

func (h *Handler) cmdServices() (string, error) {
	svcs := h.deps.Cache.Services()
	var b strings.Builder
	for _, s := range svcs {
		fmt.Fprintf(&b, "%#x\t%s\n", s.ServiceID, s.Name)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) cmdMultiplex() (string, error) {
	mux, ok := h.deps.Cache.CurrentMultiplex()
	if !ok {
		return "", cerr(coreerr.NotFound, "multiplex", "no multiplex loaded")
	}
	return fmt.Sprintf("uid=%s tsid=%#x", mux.UID, mux.TransportStreamID), nil
}

func (h *Handler) cmdPIDs(args []string) (string, error) {
	sid, ok := ParsePID(args[0])
	if !ok {
		return "", cerr(coreerr.Protocol, "pids", "malformed service id %q", args[0])
	}
	pids, version, ok := h.deps.Cache.GetPIDs(sid)
	if !ok {
		return "", cerr(coreerr.NotFound, "pids", "service %#x not found", sid)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "version=%d", version)
	for _, p := range pids {
		fmt.Fprintf(&b, " %#x", p.PID)
	}
	return b.String(), nil
}

func (h *Handler) cmdAddOutput(args []string) (string, error) {
	name, mrl := args[0], args[1]
	if h.deps.Filter == nil {
		return "", cerr(coreerr.NotFound, "addoutput", "no TS filter attached")
	}
	if _, exists := h.deps.Filter.Find(name); exists {
		return "", cerr(coreerr.BusyConflict, "addoutput", "output %q already exists", name)
	}
	sink, err := openSink(mrl)
	if err != nil {
		return "", cerr(coreerr.BusyConflict, "addoutput", "%v", err)
	}
	h.deps.Filter.AddFilter(tsfilter.NewPassthroughFilter(name, sink))
	return "OK", nil
}

func (h *Handler) cmdRemoveOutput(args []string) (string, error) {
	if h.deps.Filter == nil {
		return "", cerr(coreerr.NotFound, "rmoutput", "no TS filter attached")
	}
	if !h.deps.Filter.RemoveFilter(args[0]) {
		return "", cerr(coreerr.NotFound, "rmoutput", "output %q not found", args[0])
	}
	return "OK", nil
}

func (h *Handler) cmdAddPID(args []string) (string, error) {
	if h.deps.Filter == nil {
		return "", cerr(coreerr.NotFound, "addpid", "no TS filter attached")
	}
	pf, ok := h.deps.Filter.Find(args[0])
	if !ok {
		return "", cerr(coreerr.NotFound, "addpid", "output %q not found", args[0])
	}
	pid, ok := ParsePID(args[1])
	if !ok {
		return "", cerr(coreerr.Protocol, "addpid", "malformed pid %q", args[1])
	}
	if pf.PIDSet == nil {
		return "", cerr(coreerr.Protocol, "addpid", "output %q is not a simple PID-set output", args[0])
	}
	pf.PIDSet.Add(pid)
	return "OK", nil
}

func (h *Handler) cmdRemovePID(args []string) (string, error) {
	if h.deps.Filter == nil {
		return "", cerr(coreerr.NotFound, "rmpid", "no TS filter attached")
	}
	pf, ok := h.deps.Filter.Find(args[0])
	if !ok {
		return "", cerr(coreerr.NotFound, "rmpid", "output %q not found", args[0])
	}
	pid, ok := ParsePID(args[1])
	if !ok {
		return "", cerr(coreerr.Protocol, "rmpid", "malformed pid %q", args[1])
	}
	if pf.PIDSet == nil {
		return "", cerr(coreerr.Protocol, "rmpid", "output %q is not a simple PID-set output", args[0])
	}
	pf.PIDSet.Remove(pid)
	return "OK", nil
}

func (h *Handler) cmdStats() (string, error) {
	if h.deps.Filter == nil {
		return "", cerr(coreerr.NotFound, "stats", "no TS filter attached")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "bitrate=%.0f\n", h.deps.Filter.BitrateBps())
	for _, pf := range h.deps.Filter.Filters() {
		fmt.Fprintf(&b, "%s\tfiltered=%d processed=%d output=%d errors=%d\n",
			pf.Name, pf.Stats.Filtered, pf.Stats.Processed, pf.Stats.Output, pf.Stats.SinkErrors)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
