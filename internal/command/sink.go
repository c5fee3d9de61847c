package command

import (
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/plextuner/plex-tuner/internal/tsfilter"
)

// openSink opens a delivery sink from a MRL, per spec.md §6's addoutput
// command: file://path writes to a regular file, udp://host:port and
// tcp://host:port stream to a network peer.
// OpenSink is the exported form of openSink, for callers (such as
// cmd/dvbcore) that need to open a sink before a Handler exists, e.g. to
// preload startup outputs.
func OpenSink(mrl string) (tsfilter.Sink, error) {
	return openSink(mrl)
}

func openSink(mrl string) (tsfilter.Sink, error) {
	u, err := url.Parse(mrl)
	if err != nil {
		return nil, fmt.Errorf("invalid output MRL %q: %w", mrl, err)
	}
	switch u.Scheme {
	case "file":
		f, err := os.OpenFile(u.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output file %q: %w", u.Path, err)
		}
		return tsfilter.SinkFunc(func(pkt []byte) error {
			_, err := f.Write(pkt)
			return err
		}), nil
	case "udp", "tcp":
		conn, err := net.Dial(u.Scheme, u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial output %s: %w", mrl, err)
		}
		return tsfilter.SinkFunc(func(pkt []byte) error {
			_, err := conn.Write(pkt)
			return err
		}), nil
	default:
		return nil, fmt.Errorf("unsupported output scheme %q", u.Scheme)
	}
}
