package egress

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSegmentFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("fragment"), 0o644); err != nil {
		t.Fatalf("write segment file: %v", err)
	}
}

func TestStreamState_WindowAndMediaSequence(t *testing.T) {
	dir := t.TempDir()
	state := NewStreamState(dir)
	start := time.Now()

	for i := 0; i < 7; i++ {
		name := state.NextSegmentPath("cmfv")
		writeSegmentFile(t, dir, name)
		state.AddSegment(Segment{
			Path:     name,
			Duration: 2 * time.Second,
			DateTime: start.Add(time.Duration(i) * 2 * time.Second),
		})
	}

	window := state.Window()
	if len(window) != 5 {
		t.Fatalf("window holds %d segments, want 5", len(window))
	}
	// After 7 segments of a 5-wide window, segments 2..6 remain
	if window[0].Path != "segment_2.cmfv" || window[4].Path != "segment_6.cmfv" {
		t.Errorf("window is %q .. %q, want segment_2 .. segment_6", window[0].Path, window[4].Path)
	}
	if state.MediaSequence() != 2 {
		t.Errorf("media sequence is %d, want 2", state.MediaSequence())
	}
	if state.PendingUnlinks() != 2 {
		t.Errorf("%d files pending unlink, want 2", state.PendingUnlinks())
	}
}

func TestStreamState_DeferredUnlink(t *testing.T) {
	dir := t.TempDir()
	state := NewStreamState(dir)
	start := time.Now()

	for i := 0; i < 6; i++ {
		name := state.NextSegmentPath("cmfv")
		writeSegmentFile(t, dir, name)
		state.AddSegment(Segment{
			Path:     name,
			Duration: 2 * time.Second,
			DateTime: start.Add(time.Duration(i) * 2 * time.Second),
		})
	}

	evictedPath := filepath.Join(dir, "segment_0.cmfv")

	// The first segment left the window but its retention has not elapsed:
	// eligible at date_time + duration + 20s
	removed := state.UnlinkExpired(start.Add(2*time.Second + segmentRetention - time.Second))
	if len(removed) != 0 {
		t.Fatalf("unlinked %v before retention elapsed", removed)
	}
	if _, err := os.Stat(evictedPath); err != nil {
		t.Fatal("evicted segment file must survive until retention elapses")
	}

	removed = state.UnlinkExpired(start.Add(2*time.Second + segmentRetention + time.Second))
	if len(removed) != 1 {
		t.Fatalf("unlinked %d files, want 1", len(removed))
	}
	if _, err := os.Stat(evictedPath); !os.IsNotExist(err) {
		t.Error("segment file should be gone after retention")
	}
}
