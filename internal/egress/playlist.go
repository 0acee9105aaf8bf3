package egress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LL-HLS server-control hints
const (
	holdBackSeconds     = 1.2
	partHoldBackSeconds = 0.6
	targetDuration      = 2
)

// writeMediaPlaylist rewrites one stream's manifest from its current window.
// The first segment carries program-date-time; every segment maps onto the
// shared init.cmfi.
func writeMediaPlaylist(state *StreamState) error {
	window := state.Window()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,CAN-SKIP-DATERANGES=YES,HOLD-BACK=%.1f,PART-HOLD-BACK=%.1f\n",
		holdBackSeconds, partHoldBackSeconds))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", state.MediaSequence()))
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	b.WriteString("#EXT-X-MAP:URI=\"init.cmfi\"\n")

	for i, seg := range window {
		if i == 0 {
			b.WriteString("#EXT-X-PROGRAM-DATE-TIME:" + seg.DateTime.UTC().Format(time.RFC3339Nano) + "\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration.Seconds()))
		b.WriteString(seg.Path + "\n")
	}

	path := filepath.Join(state.Dir, "manifest.m3u8")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write media playlist: %w", err)
	}
	return nil
}
