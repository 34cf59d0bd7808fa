package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// MemoryStore keeps batches in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
	records map[string]*submission.Record
	order   map[string][]string // batch id -> record ids in row order
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*Batch),
		records: make(map[string]*submission.Record),
		order:   make(map[string][]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, b *Batch, records []submission.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch already exists: %s", b.ID)
	}
	for i := range records {
		if _, exists := s.records[records[i].ID]; exists {
			return fmt.Errorf("submission already exists: %s", records[i].ID)
		}
	}

	stored := *b
	s.batches[b.ID] = &stored
	ids := make([]string, len(records))
	for i := range records {
		rec := records[i]
		s.records[rec.ID] = &rec
		ids[i] = rec.ID
	}
	s.order[b.ID] = ids
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	for _, id := range s.order[batchID] {
		delete(s.records, id)
	}
	delete(s.order, batchID)
	delete(s.batches, batchID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	out := *b
	return &out, nil
}

func (s *MemoryStore) ListSubmissions(_ context.Context, batchID string) ([]submission.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.order[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	out := make([]submission.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.records[id])
	}
	return out, nil
}

func (s *MemoryStore) ListProcessing(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, b := range s.batches {
		if b.Status == StatusProcessing {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("submission %s: %w", recordID, ErrNotFound)
	}
	if rec.Status == submission.StatusProcessing {
		return nil
	}
	if !rec.Status.CanTransition(submission.StatusProcessing) {
		return fmt.Errorf("submission %s %s -> %s: %w", recordID, rec.Status, submission.StatusProcessing, ErrInvalidTransition)
	}
	rec.Status = submission.StatusProcessing
	return nil
}

func (s *MemoryStore) Resolve(_ context.Context, recordID string, result submission.Result) (*Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return nil, false, fmt.Errorf("submission %s: %w", recordID, ErrNotFound)
	}
	next := result.Status()
	if !rec.Status.CanTransition(next) {
		return nil, false, fmt.Errorf("submission %s %s -> %s: %w", recordID, rec.Status, next, ErrInvalidTransition)
	}
	b, ok := s.batches[rec.BatchID]
	if !ok {
		return nil, false, fmt.Errorf("batch %s: %w", rec.BatchID, ErrNotFound)
	}

	processedAt := result.ProcessedAt
	if processedAt.IsZero() {
		processedAt = s.now().UTC()
	}
	rec.Status = next
	rec.ResponseCode = result.Code
	rec.ResponseMessage = result.Message
	rec.ResponseXML = result.ResponseXML
	rec.ProcessedAt = &processedAt

	if next == submission.StatusSuccess {
		b.SuccessCount++
	} else {
		b.ErrorCount++
	}
	b.PendingCount--

	completedNow := false
	if b.PendingCount == 0 && b.Status != StatusCompleted {
		b.Status = StatusCompleted
		completedAt := s.now().UTC()
		b.CompletedAt = &completedAt
		completedNow = true
	}

	out := *b
	return &out, completedNow, nil
}
