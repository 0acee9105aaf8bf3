package egress

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
)

// MoQSink receives the muxed chunks of a MoQ session. The transport behind
// it (relay session, test collector) is the caller's business.
type MoQSink interface {
	WriteInit(data []byte, isVideo bool) error
	WriteChunk(data []byte, isVideo bool) error
}

// MoQWriter shares the HLS writer's depacketization front end but targets a
// single continuous fMP4 with nanosecond-scale fragments, pushed to an
// outbound MoQ sink chunk by chunk.
type MoQWriter struct {
	participantID string
	sink          MoQSink

	mu      sync.Mutex
	video   *moqTrack
	audio   *moqTrack
	stopped bool

	logger *slog.Logger
}

type moqTrack struct {
	sb          *samplebuilder.SampleBuilder
	timescale   uint32
	isVideo     bool
	enabled     bool
	initWritten bool
	seq         uint32
	baseTime    uint64
	sps, pps    []byte
}

// NewMoQWriter creates a writer for one publisher. A nil sink mutes output
// but keeps the pipeline exercised.
func NewMoQWriter(participantID string, sink MoQSink, logger *slog.Logger) *MoQWriter {
	return &MoQWriter{
		participantID: participantID,
		sink:          sink,
		video: &moqTrack{
			sb:        samplebuilder.New(sampleBuilderDepth, &codecs.H264Packet{}, videoTimescale),
			timescale: videoTimescale,
			isVideo:   true,
			enabled:   true,
		},
		audio: &moqTrack{
			sb:        samplebuilder.New(sampleBuilderDepth, &codecs.OpusPacket{}, audioTimescale),
			timescale: audioTimescale,
			enabled:   true,
		},
		logger: logger.With("component", "moq_writer", "participant_id", participantID),
	}
}

// SetVideoCodec gates the video leg on a muxable codec.
func (w *MoQWriter) SetVideoCodec(mime string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.video.enabled = strings.Contains(strings.ToLower(mime), "h264")
}

// WriteRTP feeds one raw RTP packet into the matching leg.
func (w *MoQWriter) WriteRTP(pkt *rtp.Packet, isVideo bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	track := w.audio
	if isVideo {
		track = w.video
	}
	if !track.enabled {
		return
	}

	track.sb.Push(pkt)
	for {
		sample := track.sb.Pop()
		if sample == nil {
			return
		}
		w.process(track, sample)
	}
}

// process muxes one sample as its own fragment: MoQ wants chunk-per-frame,
// so fragment and chunk durations collapse to the sample itself (the 1 ns
// muxer granularity).
func (w *MoQWriter) process(track *moqTrack, sample *media.Sample) {
	payload := sample.Data
	isSync := true

	if track.isVideo {
		info := inspectH264AU(sample.Data)
		if info.sps != nil {
			track.sps = info.sps
		}
		if info.pps != nil {
			track.pps = info.pps
		}
		if !track.initWritten && (track.sps == nil || track.pps == nil) {
			return
		}
		payload = annexBToAVCC(sample.Data)
		if len(payload) == 0 {
			return
		}
		isSync = info.isKeyframe
	}

	if !track.initWritten {
		if err := w.writeInit(track); err != nil {
			w.logger.Warn("moq init failed", "error", err)
			return
		}
	}

	part := fmp4.Part{
		SequenceNumber: track.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       1,
			BaseTime: track.baseTime,
			Samples: []*fmp4.PartSample{{
				Duration:        durationToTicks(sample.Duration, track.timescale),
				IsNonSyncSample: !isSync,
				Payload:         payload,
			}},
		}},
	}

	var buf seekableBuffer
	if err := part.Marshal(&buf); err != nil {
		w.logger.Warn("moq fragment marshal failed", "error", err)
		return
	}

	track.seq++
	track.baseTime += uint64(durationToTicks(sample.Duration, track.timescale))

	if w.sink == nil {
		return
	}
	if err := w.sink.WriteChunk(buf.Bytes(), track.isVideo); err != nil {
		w.logger.Debug("moq chunk write failed", "error", err)
	}
}

func (w *MoQWriter) writeInit(track *moqTrack) error {
	var codec fmp4.Codec
	if track.isVideo {
		codec = &fmp4.CodecH264{SPS: track.sps, PPS: track.pps}
	} else {
		codec = &fmp4.CodecOpus{ChannelCount: 2}
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{ID: 1, TimeScale: track.timescale, Codec: codec}},
	}

	var buf seekableBuffer
	if err := init.Marshal(&buf); err != nil {
		return err
	}
	track.initWritten = true

	if w.sink != nil {
		return w.sink.WriteInit(buf.Bytes(), track.isVideo)
	}
	return nil
}

// Stop mutes the writer.
func (w *MoQWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}

// seekableBuffer adapts bytes.Buffer to the muxer's io.WriteSeeker without
// touching the filesystem.
type seekableBuffer struct {
	buf bytes.Buffer
	pos int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if b.pos < b.buf.Len() {
		data := b.buf.Bytes()
		n := copy(data[b.pos:], p)
		if n < len(p) {
			b.buf.Write(p[n:])
		}
		b.pos += len(p)
		return len(p), nil
	}
	n, err := b.buf.Write(p)
	b.pos += n
	return n, err
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		b.pos = int(offset)
	case 1:
		b.pos += int(offset)
	case 2:
		b.pos = b.buf.Len() + int(offset)
	}
	return int64(b.pos), nil
}

func (b *seekableBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
