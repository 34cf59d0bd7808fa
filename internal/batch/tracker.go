package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/metrics"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// Tracker owns batch and record state after creation. Consumers read the
// counters it reports and never recompute them.
type Tracker struct {
	store Store
	queue Queue
	log   logger.Logger
	now   func() time.Time
}

// NewTracker creates a Tracker over store. New batches are announced on queue.
func NewTracker(store Store, queue Queue, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Tracker{store: store, queue: queue, log: log, now: time.Now}
}

// CreateBatch persists records as one pending batch and queues it.
// An empty slice is rejected before anything is stored. Record ids are
// always assigned here, so resubmitting the same records creates a new batch.
func (t *Tracker) CreateBatch(ctx context.Context, records []submission.Record, wsURL string) (string, error) {
	if len(records) == 0 {
		return "", ErrEmptyBatch
	}
	kind := records[0].Kind
	if kind == rndc.KindQueryByConsecutive {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	for i := range records {
		if records[i].Kind != kind {
			return "", ErrMixedKinds
		}
	}

	now := t.now().UTC()
	b := &Batch{
		ID:           uuid.NewString(),
		Kind:         kind,
		WSURL:        wsURL,
		TotalRecords: len(records),
		PendingCount: len(records),
		Status:       StatusProcessing,
		CreatedAt:    now,
	}

	stored := make([]submission.Record, len(records))
	for i, rec := range records {
		rec.ID = uuid.NewString()
		if rec.RowNo == 0 {
			rec.RowNo = i + 1
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.BatchID = b.ID
		rec.Status = submission.StatusPending
		rec.ResponseCode, rec.ResponseMessage, rec.ResponseXML = "", "", ""
		rec.ProcessedAt = nil
		stored[i] = rec
	}

	if err := t.store.Create(ctx, b, stored); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	if err := t.queue.Enqueue(ctx, b.ID); err != nil {
		if delErr := t.store.Delete(ctx, b.ID); delErr != nil {
			t.log.WithError(delErr).Error("Failed to remove unqueued batch", map[string]interface{}{"batchId": b.ID})
		}
		return "", fmt.Errorf("enqueue batch: %w", err)
	}

	metrics.BatchesCreated.WithLabelValues(string(kind)).Inc()
	t.log.Info("Batch created", map[string]interface{}{
		"batchId": b.ID,
		"kind":    string(kind),
		"total":   b.TotalRecords,
		"wsUrl":   wsURL,
	})
	return b.ID, nil
}

// GetBatch returns the current batch state.
func (t *Tracker) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	return t.store.Get(ctx, batchID)
}

// ListSubmissions returns the batch records in row order.
func (t *Tracker) ListSubmissions(ctx context.Context, batchID string) ([]submission.Record, error) {
	return t.store.ListSubmissions(ctx, batchID)
}

// ListProcessing returns ids of batches that have not completed.
func (t *Tracker) ListProcessing(ctx context.Context) ([]string, error) {
	return t.store.ListProcessing(ctx)
}

// MarkProcessing moves a pending record to processing.
func (t *Tracker) MarkProcessing(ctx context.Context, recordID string) error {
	return t.store.MarkProcessing(ctx, recordID)
}

// Resolve records the registry outcome of one submission and returns the
// updated batch. The batch completes when its last pending record resolves.
func (t *Tracker) Resolve(ctx context.Context, recordID string, result submission.Result) (*Batch, error) {
	b, completedNow, err := t.store.Resolve(ctx, recordID, result)
	if err != nil {
		return nil, err
	}

	metrics.SubmissionsResolved.WithLabelValues(string(b.Kind), string(result.Status())).Inc()
	if !b.Consistent() {
		t.log.Error("Batch counters out of balance", map[string]interface{}{
			"batchId": b.ID,
			"total":   b.TotalRecords,
			"success": b.SuccessCount,
			"error":   b.ErrorCount,
			"pending": b.PendingCount,
		})
	}
	if completedNow {
		metrics.BatchesCompleted.WithLabelValues(string(b.Kind)).Inc()
		t.log.Info("Batch completed", map[string]interface{}{
			"batchId": b.ID,
			"kind":    string(b.Kind),
			"success": b.SuccessCount,
			"error":   b.ErrorCount,
		})
	}
	return b, nil
}

// IsNotFound reports whether err means an unknown batch or record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
