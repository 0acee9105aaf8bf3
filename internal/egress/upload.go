package egress

import (
	"context"
	"log/slog"
)

// ObjectPutter is the object-storage contract the upload worker drains into.
type ObjectPutter interface {
	PutFile(ctx context.Context, localPath, objectKey, contentType string) error
}

// UploadJob mirrors one local file into object storage.
type UploadJob struct {
	LocalPath   string
	ObjectKey   string
	ContentType string
}

// Uploader drains a bounded channel of upload jobs in the background.
// Upload failures are logged and dropped; they never block the muxer.
type Uploader struct {
	jobs    chan UploadJob
	store   ObjectPutter
	baseURL string
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewUploader starts the background worker. baseURL is the public prefix
// uploaded objects are reachable under; when set, master playlists use
// absolute stream URIs.
func NewUploader(store ObjectPutter, baseURL string, logger *slog.Logger) *Uploader {
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		jobs:    make(chan UploadJob, 256),
		store:   store,
		baseURL: baseURL,
		cancel:  cancel,
		logger:  logger.With("component", "uploader"),
	}
	go u.run(ctx)
	return u
}

// PublicBaseURL returns the public prefix for uploaded objects, or empty.
func (u *Uploader) PublicBaseURL() string {
	return u.baseURL
}

// Enqueue schedules a job without blocking. When the queue is full the job
// is dropped; the next playlist rewrite re-enqueues the manifest anyway.
func (u *Uploader) Enqueue(job UploadJob) {
	select {
	case u.jobs <- job:
	default:
		u.logger.Warn("upload queue full, dropping", "key", job.ObjectKey)
	}
}

func (u *Uploader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-u.jobs:
			if err := u.store.PutFile(ctx, job.LocalPath, job.ObjectKey, job.ContentType); err != nil {
				u.logger.Warn("upload failed", "key", job.ObjectKey, "error", err)
				continue
			}
			u.logger.Debug("uploaded", "key", job.ObjectKey)
		}
	}
}

// Close stops the worker. Queued jobs are abandoned.
func (u *Uploader) Close() {
	u.cancel()
}

// contentTypeFor maps segment/playlist extensions onto upload content types.
func contentTypeFor(path string) string {
	switch {
	case hasSuffix(path, ".cmfv"), hasSuffix(path, ".cmfi"):
		return "video/mp4"
	case hasSuffix(path, ".cmfa"):
		return "audio/mp4"
	case hasSuffix(path, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	default:
		return "application/octet-stream"
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
