package cassette

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
)

func TestOpenMissingFileAttachesBlank(t *testing.T) {
	tp := New(2000000)
	dir := t.TempDir()
	if err := tp.Open(filepath.Join(dir, "nope.cas")); err != nil {
		t.Fatalf("Open of a missing file returned an error: %v", err)
	}
	if !tp.Attached() {
		t.Fatal("tape not attached after Open of a missing file")
	}
	if tp.Status() != "STOP" {
		t.Errorf("Status() = %q, want STOP", tp.Status())
	}
}

func TestRecordPlaySaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tape.cas")
	tp := New(1000000)
	if err := tp.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}

	tp.StartRecord(0)
	if tp.Status() != "REC" {
		t.Fatalf("Status() = %q, want REC", tp.Status())
	}
	tp.OnOutputChange(100, true)
	tp.OnOutputChange(250, false)
	tp.OnOutputChange(500, true)
	if err := tp.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if tp.Status() != "STOP" {
		t.Errorf("Status() after Stop = %q, want STOP", tp.Status())
	}

	tp2 := New(1000000)
	if err := tp2.Open(path); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if diff := deep.Equal(tp.durations, tp2.durations); diff != nil {
		t.Errorf("durations mismatch after round trip: %v", diff)
	}
	if tp2.CPUHz() != 1000000 {
		t.Errorf("CPUHz() after reload = %d, want 1000000", tp2.CPUHz())
	}
}

func TestOpenBadMagicAttachesBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.cas")
	if err := os.WriteFile(path, []byte("not a cassette file at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tp := New(2000000)
	if err := tp.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !tp.Attached() {
		t.Fatal("tape not attached after Open of a file with a bad magic")
	}
	if len(tp.durations) != 0 {
		t.Errorf("durations non-empty after bad-magic open: %v", tp.durations)
	}
}

func TestPlaybackEdges(t *testing.T) {
	tp := New(1000)
	tp.attached = true
	tp.durations = []uint32{10, 20, 30}
	tp.StartPlay(0)

	if got := tp.InLevelAt(5); got != tp.idleLevel {
		t.Errorf("InLevelAt(5) = %v, want idle level %v (before first edge)", got, tp.idleLevel)
	}
	if got := tp.InLevelAt(10); got == tp.idleLevel {
		t.Errorf("InLevelAt(10) = %v, want flipped after first edge", got)
	}
	if got := tp.InLevelAt(30); got != tp.idleLevel {
		t.Errorf("InLevelAt(30) = %v, want back to idle level after second edge", got)
	}
}

func TestOnOutputChangeSaturates(t *testing.T) {
	tp := New(1000)
	tp.attached = true
	tp.StartRecord(0)
	tp.recLastEdgeTick = 0
	tp.OnOutputChange(1<<33, true) // far beyond uint32 range
	if len(tp.durations) != 1 || tp.durations[0] != 0xFFFFFFFF {
		t.Errorf("durations = %v, want [0xFFFFFFFF] (saturated)", tp.durations)
	}
}
