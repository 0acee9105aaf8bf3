package egress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
)

const (
	videoTimescale = 90000
	audioTimescale = 48000

	// segmentTarget is the nominal segment duration; video segments cut on
	// the first keyframe past it
	segmentTarget = 2 * time.Second

	// sampleBuilderDepth absorbs reordering before depacketization
	sampleBuilderDepth = 64

	unlinkSweepInterval = time.Second
)

// HLSWriter synthesises LL-HLS output for one publisher: one video rendition
// and one audio rendition, CMAF segments on disk, playlists rewritten per
// segment, optional mirroring into object storage.
type HLSWriter struct {
	participantID string
	root          string

	video  *videoPipeline
	audio  *audioPipeline
	master *MasterState

	uploads *Uploader
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewHLSWriter creates the writer rooted at {outDir}/{participantID}.
func NewHLSWriter(outDir, participantID string, uploads *Uploader, logger *slog.Logger) (*HLSWriter, error) {
	root := filepath.Join(outDir, participantID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var cloudBase string
	if uploads != nil {
		cloudBase = uploads.PublicBaseURL()
		if cloudBase != "" {
			cloudBase = cloudBase + "/" + participantID
		}
	}

	master := NewMasterState(
		filepath.Join(root, "master.m3u8"),
		participantID+"/master.m3u8",
		[]VideoStreamInfo{{Name: "video_0", Bitrate: 2_048_000, Width: 1280, Height: 720}},
		[]AudioStreamInfo{{Name: "audio_0", Language: "eng", Default: true}},
		cloudBase,
		uploads,
	)

	w := &HLSWriter{
		participantID: participantID,
		root:          root,
		master:        master,
		uploads:       uploads,
		logger:        logger.With("component", "hls_writer", "participant_id", participantID),
	}

	var err error
	w.video, err = newVideoPipeline(w, filepath.Join(root, "video_0"))
	if err != nil {
		return nil, err
	}
	w.audio, err = newAudioPipeline(w, filepath.Join(root, "audio_0"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.unlinkLoop(ctx)

	return w, nil
}

// SetVideoCodec records the inbound codec. Only H.264 passes through the
// muxer; other codecs disable the video rendition rather than the writer.
func (w *HLSWriter) SetVideoCodec(mime string) {
	w.video.setEnabled(strings.Contains(strings.ToLower(mime), "h264"))
}

// WriteRTP feeds one raw RTP packet into the matching pipeline. Never
// blocks the forwarding path: muxing errors are logged and dropped.
func (w *HLSWriter) WriteRTP(pkt *rtp.Packet, isVideo bool) {
	if isVideo {
		w.video.push(pkt)
	} else {
		w.audio.push(pkt)
	}
}

// MasterWritten reports whether the master playlist has been emitted.
func (w *HLSWriter) MasterWritten() bool {
	return w.master.Written()
}

// Stop halts the unlink janitor. Segment files already queued for removal
// are left on disk; nothing unlinks them after Stop.
func (w *HLSWriter) Stop() {
	w.cancel()
}

func (w *HLSWriter) unlinkLoop(ctx context.Context) {
	ticker := time.NewTicker(unlinkSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.video.state.UnlinkExpired(now)
			w.audio.state.UnlinkExpired(now)
		}
	}
}

func (w *HLSWriter) enqueueUpload(localPath, stream, name string) {
	if w.uploads == nil {
		return
	}
	w.uploads.Enqueue(UploadJob{
		LocalPath:   localPath,
		ObjectKey:   w.participantID + "/" + stream + "/" + name,
		ContentType: contentTypeFor(name),
	})
}

// videoPipeline depacketizes H.264, waits for parameter sets, then muxes
// keyframe-aligned CMAF segments.
type videoPipeline struct {
	w     *HLSWriter
	state *StreamState
	sb    *samplebuilder.SampleBuilder

	enabled     bool
	sps, pps    []byte
	initWritten bool

	seq       uint32
	baseTime  uint64
	pending   []*fmp4.PartSample
	pendingNs time.Duration
	segStart  time.Time
}

func newVideoPipeline(w *HLSWriter, dir string) (*videoPipeline, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create video dir: %w", err)
	}
	return &videoPipeline{
		w:       w,
		state:   NewStreamState(dir),
		sb:      samplebuilder.New(sampleBuilderDepth, &codecs.H264Packet{}, videoTimescale),
		enabled: true,
	}, nil
}

func (v *videoPipeline) setEnabled(enabled bool) {
	v.enabled = enabled
	if !enabled {
		v.w.logger.Warn("video codec not muxable, video rendition disabled")
	}
}

func (v *videoPipeline) push(pkt *rtp.Packet) {
	if !v.enabled {
		return
	}
	v.sb.Push(pkt)
	for {
		sample := v.sb.Pop()
		if sample == nil {
			return
		}
		v.process(sample)
	}
}

func (v *videoPipeline) process(sample *media.Sample) {
	info := inspectH264AU(sample.Data)

	if info.sps != nil {
		v.sps = info.sps
	}
	if info.pps != nil {
		v.pps = info.pps
	}

	if !v.initWritten {
		if v.sps == nil || v.pps == nil {
			return // wait for in-band parameter sets
		}
		if err := v.writeInit(); err != nil {
			v.w.logger.Warn("video init write failed", "error", err)
			return
		}
	}

	// Cut on the first keyframe past the target duration
	if info.isKeyframe && len(v.pending) > 0 && v.pendingNs >= segmentTarget {
		v.flush()
	}

	payload := annexBToAVCC(sample.Data)
	if len(payload) == 0 {
		return
	}

	if len(v.pending) == 0 {
		v.segStart = time.Now()
	}
	v.pending = append(v.pending, &fmp4.PartSample{
		Duration:        durationToTicks(sample.Duration, videoTimescale),
		IsNonSyncSample: !info.isKeyframe,
		Payload:         payload,
	})
	v.pendingNs += sample.Duration
}

func (v *videoPipeline) writeInit() error {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        1,
			TimeScale: videoTimescale,
			Codec:     &fmp4.CodecH264{SPS: v.sps, PPS: v.pps},
		}},
	}

	path := filepath.Join(v.state.Dir, "init.cmfi")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := init.Marshal(f); err != nil {
		return err
	}
	v.initWritten = true
	v.w.enqueueUpload(path, "video_0", "init.cmfi")

	codec, err := rfc6381CodecForSPS(v.sps)
	if err != nil {
		codec = "avc1.42e01f"
	}
	return v.w.master.AddMime(codec)
}

func (v *videoPipeline) flush() {
	name := v.state.NextSegmentPath("cmfv")
	path := filepath.Join(v.state.Dir, name)

	part := fmp4.Part{
		SequenceNumber: v.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       1,
			BaseTime: v.baseTime,
			Samples:  v.pending,
		}},
	}

	f, err := os.Create(path)
	if err != nil {
		v.w.logger.Warn("segment create failed", "path", path, "error", err)
		return
	}
	marshalErr := part.Marshal(f)
	_ = f.Close()
	if marshalErr != nil {
		v.w.logger.Warn("segment marshal failed", "path", path, "error", marshalErr)
		return
	}

	v.state.AddSegment(Segment{Path: name, Duration: v.pendingNs, DateTime: v.segStart})
	if err := writeMediaPlaylist(v.state); err != nil {
		v.w.logger.Warn("playlist rewrite failed", "error", err)
	}

	v.w.enqueueUpload(path, "video_0", name)
	v.w.enqueueUpload(filepath.Join(v.state.Dir, "manifest.m3u8"), "video_0", "manifest.m3u8")

	v.seq++
	v.baseTime += uint64(durationToTicks(v.pendingNs, videoTimescale))
	v.pending = nil
	v.pendingNs = 0
}

// audioPipeline depacketizes Opus and muxes fixed-duration CMAF segments.
type audioPipeline struct {
	w     *HLSWriter
	state *StreamState
	sb    *samplebuilder.SampleBuilder

	initWritten bool
	seq         uint32
	baseTime    uint64
	pending     []*fmp4.PartSample
	pendingNs   time.Duration
	segStart    time.Time
}

func newAudioPipeline(w *HLSWriter, dir string) (*audioPipeline, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &audioPipeline{
		w:     w,
		state: NewStreamState(dir),
		sb:    samplebuilder.New(sampleBuilderDepth, &codecs.OpusPacket{}, audioTimescale),
	}, nil
}

func (a *audioPipeline) push(pkt *rtp.Packet) {
	a.sb.Push(pkt)
	for {
		sample := a.sb.Pop()
		if sample == nil {
			return
		}
		a.process(sample)
	}
}

func (a *audioPipeline) process(sample *media.Sample) {
	if !a.initWritten {
		if err := a.writeInit(); err != nil {
			a.w.logger.Warn("audio init write failed", "error", err)
			return
		}
	}

	if len(a.pending) == 0 {
		a.segStart = time.Now()
	}
	a.pending = append(a.pending, &fmp4.PartSample{
		Duration: durationToTicks(sample.Duration, audioTimescale),
		Payload:  sample.Data,
	})
	a.pendingNs += sample.Duration

	if a.pendingNs >= segmentTarget {
		a.flush()
	}
}

func (a *audioPipeline) writeInit() error {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        1,
			TimeScale: audioTimescale,
			Codec:     &fmp4.CodecOpus{ChannelCount: 2},
		}},
	}

	path := filepath.Join(a.state.Dir, "init.cmfi")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := init.Marshal(f); err != nil {
		return err
	}
	a.initWritten = true
	a.w.enqueueUpload(path, "audio_0", "init.cmfi")

	return a.w.master.AddMime("opus")
}

func (a *audioPipeline) flush() {
	name := a.state.NextSegmentPath("cmfa")
	path := filepath.Join(a.state.Dir, name)

	part := fmp4.Part{
		SequenceNumber: a.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       1,
			BaseTime: a.baseTime,
			Samples:  a.pending,
		}},
	}

	f, err := os.Create(path)
	if err != nil {
		a.w.logger.Warn("segment create failed", "path", path, "error", err)
		return
	}
	marshalErr := part.Marshal(f)
	_ = f.Close()
	if marshalErr != nil {
		a.w.logger.Warn("segment marshal failed", "path", path, "error", marshalErr)
		return
	}

	a.state.AddSegment(Segment{Path: name, Duration: a.pendingNs, DateTime: a.segStart})
	if err := writeMediaPlaylist(a.state); err != nil {
		a.w.logger.Warn("playlist rewrite failed", "error", err)
	}

	a.w.enqueueUpload(path, "audio_0", name)
	a.w.enqueueUpload(filepath.Join(a.state.Dir, "manifest.m3u8"), "audio_0", "manifest.m3u8")

	a.seq++
	a.baseTime += uint64(durationToTicks(a.pendingNs, audioTimescale))
	a.pending = nil
	a.pendingNs = 0
}

func durationToTicks(d time.Duration, timescale uint32) uint32 {
	return uint32(d.Seconds() * float64(timescale))
}
