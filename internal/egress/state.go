// Package egress synthesises HLS and MoQ output from a publisher's RTP.
// The video and audio paths depacketize into access units, mux CMAF
// fragments, and maintain LL-HLS playlists; an upload worker mirrors the
// files into object storage when configured.
package egress

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// segmentWindow is the number of segments the media playlist retains.
	segmentWindow = 5

	// segmentRetention is how long a removed segment's file stays on disk
	// after it leaves the window: longest-playlist plus segment-duration
	// per the HLS spec's retention rule.
	segmentRetention = 20 * time.Second
)

// Segment is one CMAF media segment in a stream's window.
type Segment struct {
	Path     string // basename, e.g. segment_3.cmfv
	Duration time.Duration
	DateTime time.Time // wall-clock time of the segment's first sample
}

// StreamState tracks one stream's segment window, media sequence and the
// deferred-removal queue. It is shared between the muxing path and the
// unlink janitor.
type StreamState struct {
	mu sync.Mutex

	Dir          string // directory holding this stream's files
	SegmentIndex int
	MediaSeq     int
	Segments     []Segment

	pendingUnlink []pendingUnlink
}

type pendingUnlink struct {
	path       string
	eligibleAt time.Time
}

// NewStreamState creates stream state rooted at dir.
func NewStreamState(dir string) *StreamState {
	return &StreamState{Dir: dir}
}

// AddSegment appends a segment and trims the window, queueing evicted
// segment files for deferred unlink.
func (s *StreamState) AddSegment(seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Segments = append(s.Segments, seg)
	s.trimLocked()
}

// trimLocked enforces the retained window and advances media_sequence.
func (s *StreamState) trimLocked() {
	for len(s.Segments) > segmentWindow {
		evicted := s.Segments[0]
		s.Segments = s.Segments[1:]
		s.MediaSeq++

		s.pendingUnlink = append(s.pendingUnlink, pendingUnlink{
			path:       filepath.Join(s.Dir, evicted.Path),
			eligibleAt: evicted.DateTime.Add(evicted.Duration).Add(segmentRetention),
		})
	}
}

// Window snapshots the retained segments.
func (s *StreamState) Window() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, len(s.Segments))
	copy(out, s.Segments)
	return out
}

// MediaSequence returns the current media sequence number.
func (s *StreamState) MediaSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MediaSeq
}

// NextSegmentPath reserves the next segment basename for the given extension.
func (s *StreamState) NextSegmentPath(ext string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := segmentName(s.SegmentIndex, ext)
	s.SegmentIndex++
	return name
}

// UnlinkExpired removes files whose retention elapsed before now.
// Returns the paths actually unlinked.
func (s *StreamState) UnlinkExpired(now time.Time) []string {
	s.mu.Lock()
	var due []pendingUnlink
	var keep []pendingUnlink
	for _, p := range s.pendingUnlink {
		if now.After(p.eligibleAt) {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	s.pendingUnlink = keep
	s.mu.Unlock()

	var removed []string
	for _, p := range due {
		if err := os.Remove(p.path); err == nil || os.IsNotExist(err) {
			removed = append(removed, p.path)
		}
	}
	return removed
}

// PendingUnlinks reports the number of files queued for deferred removal.
func (s *StreamState) PendingUnlinks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingUnlink)
}

func segmentName(index int, ext string) string {
	return "segment_" + itoa(index) + "." + ext
}

// itoa avoids fmt on the segment hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
