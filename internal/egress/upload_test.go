package egress

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu   sync.Mutex
	puts []UploadJob
	fail bool
}

func (f *fakeStore) PutFile(_ context.Context, localPath, objectKey, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("storage unavailable")
	}
	f.puts = append(f.puts, UploadJob{LocalPath: localPath, ObjectKey: objectKey, ContentType: contentType})
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestUploader_DrainsJobs(t *testing.T) {
	store := &fakeStore{}
	u := NewUploader(store, "", testLogger())
	defer u.Close()

	path := filepath.Join(t.TempDir(), "segment_0.cmfv")
	if err := os.WriteFile(path, []byte("fragment"), 0o644); err != nil {
		t.Fatal(err)
	}

	u.Enqueue(UploadJob{LocalPath: path, ObjectKey: "p1/video_0/segment_0.cmfv", ContentType: "video/mp4"})

	deadline := time.After(time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("upload worker never drained the job")
		case <-time.After(10 * time.Millisecond):
		}
	}

	store.mu.Lock()
	job := store.puts[0]
	store.mu.Unlock()
	if job.ObjectKey != "p1/video_0/segment_0.cmfv" || job.ContentType != "video/mp4" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestUploader_FailuresNeverBlock(t *testing.T) {
	store := &fakeStore{fail: true}
	u := NewUploader(store, "", testLogger())
	defer u.Close()

	// Far more jobs than the queue holds; Enqueue must never stall
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			u.Enqueue(UploadJob{LocalPath: "/nonexistent", ObjectKey: "k", ContentType: "video/mp4"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a failing store")
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"segment_1.cmfv": "video/mp4",
		"segment_1.cmfa": "audio/mp4",
		"init.cmfi":      "video/mp4",
		"manifest.m3u8":  "application/vnd.apple.mpegurl",
		"unknown.bin":    "application/octet-stream",
	}
	for path, want := range cases {
		if got := contentTypeFor(path); got != want {
			t.Errorf("contentTypeFor(%s) = %s, want %s", path, got, want)
		}
	}
}

func TestSplitAnnexB(t *testing.T) {
	au := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f, // SPS
		0, 0, 0, 1, 0x68, 0xce, // PPS
		0, 0, 1, 0x65, 0x88, 0x84, // IDR (3-byte start code)
	}

	nalus := splitAnnexB(au)
	if len(nalus) != 3 {
		t.Fatalf("got %d NALUs, want 3", len(nalus))
	}

	info := inspectH264AU(au)
	if info.sps == nil || info.pps == nil || !info.isKeyframe {
		t.Errorf("inspect missed units: %+v", info)
	}

	codec, err := rfc6381CodecForSPS(info.sps)
	if err != nil {
		t.Fatalf("codec derivation failed: %v", err)
	}
	if codec != "avc1.42001f" {
		t.Errorf("got codec %s, want avc1.42001f", codec)
	}

	avcc := annexBToAVCC(au)
	// Parameter sets are stripped; the IDR slice remains with a length prefix
	if len(avcc) != 4+3 {
		t.Errorf("avcc length %d, want 7", len(avcc))
	}
}
