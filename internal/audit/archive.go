package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/config"
	"github.com/kenneth/byok-gateway/internal/s3"
)

// ArchiveRecorder observes archive uploads.
type ArchiveRecorder interface {
	RecordAuditArchiveWrite(err error)
}

// ArchiveWriter batches audit events and uploads them to S3 as JSON lines.
// Batches are flushed when full, on a timer, and on Close.
type ArchiveWriter struct {
	client    s3.Client
	prefix    string
	batchSize int
	interval  time.Duration
	recorder  ArchiveRecorder
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []*AuditEvent
	// maxPending bounds the backlog kept across failed uploads.
	maxPending int

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewArchiveWriter creates an archive writer. rec may be nil.
func NewArchiveWriter(client s3.Client, cfg *config.ArchiveConfig, rec ArchiveRecorder, logger *logrus.Logger) *ArchiveWriter {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &ArchiveWriter{
		client:     client,
		prefix:     cfg.Prefix,
		batchSize:  batch,
		interval:   interval,
		recorder:   rec,
		logger:     logger,
		now:        time.Now,
		maxPending: batch * 10,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// WriteEvent implements EventWriter. It only queues; uploads happen in the background.
func (w *ArchiveWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	w.pending = append(w.pending, event)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued events.
func (w *ArchiveWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start runs the flush loop until Close is called.
func (w *ArchiveWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-w.kick:
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
			if err := w.Flush(ctx); err != nil {
				w.logger.WithError(err).Warn("Audit archive flush failed")
			}
		}
	}()
}

// Close stops the flush loop and uploads whatever is still queued.
func (w *ArchiveWriter) Close(ctx context.Context) error {
	close(w.stop)
	w.wg.Wait()
	return w.Flush(ctx)
}

// Flush uploads all queued events as one object. Retryable failures put the
// batch back in the queue; anything else drops it.
func (w *ArchiveWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := w.upload(ctx, batch)
	if w.recorder != nil {
		w.recorder.RecordAuditArchiveWrite(err)
	}
	if err == nil {
		return nil
	}

	if s3.IsRetryable(err) {
		w.requeue(batch)
		return err
	}
	w.logger.WithError(err).WithFields(logrus.Fields{
		"events":     len(batch),
		"error_code": s3.ErrorCode(err),
	}).Error("Dropping audit batch after non-retryable archive error")
	return err
}

func (w *ArchiveWriter) upload(ctx context.Context, batch []*AuditEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode audit event %s: %w", e.ID, err)
		}
	}

	now := w.now().UTC()
	key := fmt.Sprintf("%s%s/%s-%s.jsonl", w.prefix, now.Format("2006/01/02"), now.Format("150405"), uuid.NewString())
	metadata := map[string]string{
		"event-count": strconv.Itoa(len(batch)),
		"first-event": batch[0].ID,
	}
	return w.client.PutObject(ctx, key, buf.Bytes(), "application/x-ndjson", metadata)
}

func (w *ArchiveWriter) requeue(batch []*AuditEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := append(batch, w.pending...)
	if over := len(merged) - w.maxPending; over > 0 {
		w.logger.WithField("dropped", over).Error("Audit archive backlog full, dropping oldest events")
		merged = merged[over:]
	}
	w.pending = merged
}
