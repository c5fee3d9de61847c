package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestPacedFileDeviceReplaysFileContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recording.ts")
	data := make([]byte, 188*4)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	dev, err := NewPacedFileDevice(path, 100_000_000) // fast limiter so the test doesn't stall
	if err != nil {
		t.Fatalf("NewPacedFileDevice: %v", err)
	}

	buf := make([]byte, len(data))
	ctx := context.Background()
	total := 0
	for total < len(data) {
		n, err := dev.ReadDVR(ctx, buf[total:])
		if err != nil {
			t.Fatalf("ReadDVR: %v", err)
		}
		if n == 0 {
			t.Fatal("ReadDVR returned 0 bytes before exhausting the file")
		}
		total += n
	}
	for i := range data {
		if buf[i] != data[i] {
			t.Fatalf("byte %d: got %d, want %d", i, buf[i], data[i])
		}
	}
}

func TestPacedFileDeviceMissingFile(t *testing.T) {
	if _, err := NewPacedFileDevice(filepath.Join(t.TempDir(), "missing.ts"), 0); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
