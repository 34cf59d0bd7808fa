// Package batch tracks groups of submission records through processing.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

var (
	// ErrEmptyBatch is returned when a batch has no records.
	ErrEmptyBatch = errors.New("batch has no submissions")
	// ErrNotFound is returned for unknown batch or record ids.
	ErrNotFound = errors.New("not found")
	// ErrMixedKinds is returned when records of different kinds share a batch.
	ErrMixedKinds = errors.New("batch mixes submission kinds")
	// ErrUnsupportedKind is returned for kinds that cannot be batched, such as queries.
	ErrUnsupportedKind = errors.New("submission kind cannot be batched")
	// ErrInvalidTransition is returned when a record cannot take the requested status.
	ErrInvalidTransition = errors.New("invalid record status transition")
)

// Status is the batch-level status.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Batch aggregates the records created from one upload.
type Batch struct {
	ID           string     `json:"id"`
	Kind         rndc.Kind  `json:"kind"`
	WSURL        string     `json:"wsUrl"`
	TotalRecords int        `json:"totalRecords"`
	SuccessCount int        `json:"successCount"`
	ErrorCount   int        `json:"errorCount"`
	PendingCount int        `json:"pendingCount"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Consistent reports whether the counters add up and the status agrees
// with the pending count.
func (b *Batch) Consistent() bool {
	if b.SuccessCount+b.ErrorCount+b.PendingCount != b.TotalRecords {
		return false
	}
	return (b.PendingCount == 0) == (b.Status == StatusCompleted)
}

// Store persists batches and their records.
//
// Resolve must apply the record transition and the counter update
// atomically, and report completedNow=true only for the call that moved
// the batch to completed.
type Store interface {
	Create(ctx context.Context, b *Batch, records []submission.Record) error
	Delete(ctx context.Context, batchID string) error
	Get(ctx context.Context, batchID string) (*Batch, error)
	ListSubmissions(ctx context.Context, batchID string) ([]submission.Record, error)
	ListProcessing(ctx context.Context) ([]string, error)
	MarkProcessing(ctx context.Context, recordID string) error
	Resolve(ctx context.Context, recordID string, result submission.Result) (b *Batch, completedNow bool, err error)
}

// Queue hands batch ids to the processor.
type Queue interface {
	Enqueue(ctx context.Context, batchID string) error
	Dequeue(ctx context.Context) (string, error)
	Close() error
}
