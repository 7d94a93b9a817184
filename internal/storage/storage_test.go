package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTransformURLToPathSegment(t *testing.T) {
	tests := map[string]string{
		"https://app.gohighlevel.com/":                         "root",
		"https://app.gohighlevel.com":                          "root",
		"https://app.gohighlevel.com/v2/location/L1/dashboard": "v2_location_L1_dashboard",
		"https://app.gohighlevel.com/v2/location/L1/?x=1":     "v2_location_L1",
	}
	for in, want := range tests {
		got, err := TransformURLToPathSegment(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Errorf("%s -> %q, want %q", in, got, want)
		}
	}
}

func TestBrowserIDFromTargetID(t *testing.T) {
	if got := BrowserIDFromTargetID("B0D5A8E8FFFF"); got != "B0D5A8E8" {
		t.Errorf("got %q", got)
	}
	if got := BrowserIDFromTargetID("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestJSONLWriterFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	w := NewNamedJSONLWriter(dir, "runs/r1", 16, 1, "results")
	for i := 0; i < 3; i++ {
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(map[string]int{"n": 9}); err != ErrWriterClosed {
		t.Errorf("Write after close = %v, want ErrWriterClosed", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	f, err := os.Open(filepath.Join(dir, date, "runs", "r1", "results.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]int
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestWriterRegistryReuseAndRelease(t *testing.T) {
	r := NewWriterRegistry(t.TempDir(), 8, 1)
	a := r.GetWriter("tab", "capture", "ABCD1234")
	b := r.GetWriter("tab", "capture", "other")
	if a != b {
		t.Error("expected the same writer for the same scope/kind")
	}
	if err := r.Release("tab", "capture"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if c := r.GetWriter("tab", "capture", "ABCD1234"); c == a {
		t.Error("expected a fresh writer after release")
	}
	if err := r.Release("missing", "kind"); err != nil {
		t.Errorf("Release of unknown writer = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
