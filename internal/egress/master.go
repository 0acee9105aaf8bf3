package egress

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// VideoStreamInfo declares one video rendition of the master playlist.
type VideoStreamInfo struct {
	Name    string
	Bitrate int
	Width   int
	Height  int
}

// AudioStreamInfo declares one audio rendition.
type AudioStreamInfo struct {
	Name     string
	Language string
	Default  bool
}

// MasterState accumulates codec MIMEs from the per-stream probes and writes
// the master playlist exactly once, only after every declared stream has
// contributed its MIME. Stream URIs are absolute when a cloud base URL is
// configured, relative otherwise.
type MasterState struct {
	mu sync.Mutex

	path         string
	objectKey    string
	videoStreams []VideoStreamInfo
	audioStreams []AudioStreamInfo
	mimes        []string
	cloudBaseURL string

	wrote   bool
	uploads *Uploader
}

// NewMasterState creates master-playlist state for one participant.
func NewMasterState(path, objectKey string, videos []VideoStreamInfo, audios []AudioStreamInfo, cloudBaseURL string, uploads *Uploader) *MasterState {
	return &MasterState{
		path:         path,
		objectKey:    objectKey,
		videoStreams: videos,
		audioStreams: audios,
		cloudBaseURL: cloudBaseURL,
		uploads:      uploads,
	}
}

// AddMime registers one stream's codec MIME (from its encoder caps probe)
// and writes the master playlist if it was the last one outstanding.
func (m *MasterState) AddMime(mime string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mimes = append(m.mimes, mime)
	return m.maybeWriteLocked()
}

// Written reports whether the master playlist has been emitted.
func (m *MasterState) Written() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wrote
}

func (m *MasterState) maybeWriteLocked() error {
	if m.wrote {
		return nil
	}
	if len(m.mimes) < len(m.videoStreams)+len(m.audioStreams) {
		return nil
	}

	mimes := append([]string(nil), m.mimes...)
	sort.Strings(mimes)
	mimes = dedup(mimes)
	codecs := strings.Join(mimes, ",")

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	for _, a := range m.audioStreams {
		uri := m.streamURI(a.Name)
		def := "NO"
		if a.Default {
			def = "YES"
		}
		b.WriteString(fmt.Sprintf(
			"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"audio\",NAME=%q,LANGUAGE=%q,DEFAULT=%s,AUTOSELECT=%s,CHANNELS=\"2\",URI=%q\n",
			a.Name, a.Language, def, def, uri))
	}

	for _, v := range m.videoStreams {
		b.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=%q,AUDIO=\"audio\"\n",
			v.Bitrate, v.Width, v.Height, codecs))
		b.WriteString(m.streamURI(v.Name) + "\n")
	}

	if err := os.WriteFile(m.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	m.wrote = true

	if m.uploads != nil {
		m.uploads.Enqueue(UploadJob{
			LocalPath:   m.path,
			ObjectKey:   m.objectKey,
			ContentType: "application/vnd.apple.mpegurl",
		})
	}
	return nil
}

func (m *MasterState) streamURI(name string) string {
	if m.cloudBaseURL != "" {
		return m.cloudBaseURL + "/" + name + "/manifest.m3u8"
	}
	return name + "/manifest.m3u8"
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
