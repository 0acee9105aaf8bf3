package egress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteMediaPlaylist(t *testing.T) {
	dir := t.TempDir()
	state := NewStreamState(dir)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		name := state.NextSegmentPath("cmfv")
		state.AddSegment(Segment{
			Path:     name,
			Duration: 2 * time.Second,
			DateTime: start.Add(time.Duration(i) * 2 * time.Second),
		})
	}

	if err := writeMediaPlaylist(state); err != nil {
		t.Fatalf("writeMediaPlaylist failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "manifest.m3u8"))
	if err != nil {
		t.Fatalf("read playlist: %v", err)
	}
	playlist := string(data)

	for _, want := range []string{
		"#EXTM3U",
		"#EXT-X-VERSION:7",
		"#EXT-X-TARGETDURATION:2",
		"HOLD-BACK=1.2",
		"PART-HOLD-BACK=0.6",
		"CAN-BLOCK-RELOAD=YES",
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-MAP:URI=\"init.cmfi\"",
		"#EXT-X-PROGRAM-DATE-TIME:2025-06-01T12:00:00Z",
		"segment_0.cmfv",
		"segment_2.cmfv",
	} {
		if !strings.Contains(playlist, want) {
			t.Errorf("playlist missing %q:\n%s", want, playlist)
		}
	}

	if strings.Count(playlist, "#EXT-X-PROGRAM-DATE-TIME") != 1 {
		t.Error("only the first segment carries program-date-time")
	}
}

func TestMasterState_WritesOnceAfterAllMimes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.m3u8")

	master := NewMasterState(path, "p1/master.m3u8",
		[]VideoStreamInfo{{Name: "video_0", Bitrate: 2_048_000, Width: 1280, Height: 720}},
		[]AudioStreamInfo{{Name: "audio_0", Language: "eng", Default: true}},
		"", nil)

	// One of two streams declared: nothing written yet
	if err := master.AddMime("avc1.42e01f"); err != nil {
		t.Fatalf("AddMime failed: %v", err)
	}
	if master.Written() {
		t.Fatal("master playlist written before every stream declared its MIME")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("master playlist file exists too early")
	}

	if err := master.AddMime("opus"); err != nil {
		t.Fatalf("AddMime failed: %v", err)
	}
	if !master.Written() {
		t.Fatal("master playlist should be written once all MIMEs arrived")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read master playlist: %v", err)
	}
	playlist := string(data)

	if !strings.Contains(playlist, `CODECS="avc1.42e01f,opus"`) {
		t.Errorf("master playlist codecs wrong:\n%s", playlist)
	}
	if !strings.Contains(playlist, "video_0/manifest.m3u8") {
		t.Errorf("relative stream URI missing:\n%s", playlist)
	}

	// A further MIME never rewrites the master playlist
	stat1, _ := os.Stat(path)
	if err := master.AddMime("avc1.64001f"); err != nil {
		t.Fatalf("AddMime failed: %v", err)
	}
	stat2, _ := os.Stat(path)
	if stat1.ModTime() != stat2.ModTime() || stat1.Size() != stat2.Size() {
		t.Error("master playlist must be emitted exactly once")
	}
}

func TestMasterState_AbsoluteURIsWithCloudBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.m3u8")

	master := NewMasterState(path, "p1/master.m3u8",
		[]VideoStreamInfo{{Name: "video_0", Bitrate: 2_048_000, Width: 1280, Height: 720}},
		[]AudioStreamInfo{{Name: "audio_0", Language: "eng", Default: true}},
		"https://cdn.example.com/p1", nil)

	_ = master.AddMime("avc1.42e01f")
	_ = master.AddMime("opus")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read master playlist: %v", err)
	}
	if !strings.Contains(string(data), "https://cdn.example.com/p1/video_0/manifest.m3u8") {
		t.Errorf("absolute stream URI missing:\n%s", string(data))
	}
}
