package batch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

const testWSURL = "http://rndc.test/soap/IBPMServices"

func readyRecords(n int) []submission.Record {
	recs := make([]submission.Record, n)
	for i := range recs {
		recs[i] = submission.Record{
			Kind:              rndc.KindShipmentCompletion,
			ConsecutivoRemesa: fmt.Sprintf("%d", 100+i),
			XMLRequest:        fmt.Sprintf("<root><CONSECUTIVOREMESA>%d</CONSECUTIVOREMESA></root>", 100+i),
			Status:            submission.StatusReady,
		}
	}
	return recs
}

func newTestTracker(t *testing.T) (*Tracker, *MemoryStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(10)
	return NewTracker(store, queue, logger.NewTestLogger(t)), store, queue
}

func TestCreateBatch(t *testing.T) {
	tracker, _, queue := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreateBatch(ctx, readyRecords(3), testWSURL)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	b, err := tracker.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, b.TotalRecords)
	assert.Equal(t, 3, b.PendingCount)
	assert.Equal(t, StatusProcessing, b.Status)
	assert.Equal(t, rndc.KindShipmentCompletion, b.Kind)
	assert.Equal(t, testWSURL, b.WSURL)
	assert.Nil(t, b.CompletedAt)
	assert.True(t, b.Consistent())

	recs, err := tracker.ListSubmissions(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, id, rec.BatchID)
		assert.Equal(t, submission.StatusPending, rec.Status)
		assert.Equal(t, i+1, rec.RowNo)
		assert.NotEmpty(t, rec.ID)
	}

	queued, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, queued)
}

func TestCreateBatch_EmptyIsRejected(t *testing.T) {
	tracker, store, _ := newTestTracker(t)

	_, err := tracker.CreateBatch(context.Background(), nil, testWSURL)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	ids, err := store.ListProcessing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateBatch_MixedKinds(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	recs := readyRecords(2)
	recs[1].Kind = rndc.KindPositionReport

	_, err := tracker.CreateBatch(context.Background(), recs, testWSURL)
	assert.ErrorIs(t, err, ErrMixedKinds)
}

func TestCreateBatch_QueryKindRejected(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	recs := readyRecords(2)
	for i := range recs {
		recs[i].Kind = rndc.KindQueryByConsecutive
	}

	_, err := tracker.CreateBatch(context.Background(), recs, testWSURL)
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	ids, err := store.ListProcessing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateBatch_ResubmitGetsFreshRecordIDs(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()
	recs := readyRecords(2)
	recs[0].ID = "r1"
	recs[1].ID = "r2"

	first, err := tracker.CreateBatch(ctx, recs, testWSURL)
	require.NoError(t, err)
	second, err := tracker.CreateBatch(ctx, recs, testWSURL)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	seen := map[string]bool{}
	for _, id := range []string{first, second} {
		stored, err := tracker.ListSubmissions(ctx, id)
		require.NoError(t, err)
		for _, rec := range stored {
			assert.NotContains(t, []string{"r1", "r2"}, rec.ID)
			assert.False(t, seen[rec.ID], "duplicate record id %s", rec.ID)
			seen[rec.ID] = true
		}
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, "r1", recs[0].ID)
}

func TestCreateBatch_QueueFullRemovesBatch(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	tracker := NewTracker(store, queue, logger.NewNoOpLogger())
	ctx := context.Background()

	_, err := tracker.CreateBatch(ctx, readyRecords(1), testWSURL)
	require.NoError(t, err)

	_, err = tracker.CreateBatch(ctx, readyRecords(1), testWSURL)
	assert.ErrorIs(t, err, ErrQueueFull)

	ids, err := store.ListProcessing(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestGetBatch_NotFound(t *testing.T) {
	tracker, _, _ := newTestTracker(t)

	_, err := tracker.GetBatch(context.Background(), "missing")
	assert.True(t, IsNotFound(err))

	_, err = tracker.ListSubmissions(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestResolve_InvariantHoldsAfterEveryTransition(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			tracker, _, _ := newTestTracker(t)
			ctx := context.Background()
			rnd := rand.New(rand.NewPCG(seed, seed))

			n := 1 + rnd.IntN(12)
			id, err := tracker.CreateBatch(ctx, readyRecords(n), testWSURL)
			require.NoError(t, err)
			recs, err := tracker.ListSubmissions(ctx, id)
			require.NoError(t, err)

			rnd.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })

			completions := 0
			for i, rec := range recs {
				if rnd.IntN(2) == 0 {
					require.NoError(t, tracker.MarkProcessing(ctx, rec.ID))
					b, err := tracker.GetBatch(ctx, id)
					require.NoError(t, err)
					assert.True(t, b.Consistent())
				}

				b, err := tracker.Resolve(ctx, rec.ID, submission.Result{Success: rnd.IntN(3) > 0, Code: "1"})
				require.NoError(t, err)
				assert.True(t, b.Consistent(), "after transition %d: %+v", i, b)
				assert.Equal(t, n-i-1, b.PendingCount)

				if b.Status == StatusCompleted {
					completions++
					assert.Equal(t, len(recs)-1, i, "completed before the last record")
					assert.NotNil(t, b.CompletedAt)
				}
			}
			assert.Equal(t, 1, completions)

			// Completed is terminal.
			_, err = tracker.Resolve(ctx, recs[0].ID, submission.Result{Success: true})
			assert.ErrorIs(t, err, ErrInvalidTransition)
			b, err := tracker.GetBatch(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, b.Status)
			assert.True(t, b.Consistent())
		})
	}
}

func TestResolve_ConcurrentCompletesOnce(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, NewMemoryQueue(1), logger.NewNoOpLogger())
	ctx := context.Background()

	id, err := tracker.CreateBatch(ctx, readyRecords(50), testWSURL)
	require.NoError(t, err)
	recs, err := tracker.ListSubmissions(ctx, id)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for _, rec := range recs {
		wg.Add(1)
		go func(recordID string) {
			defer wg.Done()
			_, done, err := store.Resolve(ctx, recordID, submission.Result{Success: true})
			assert.NoError(t, err)
			if done {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(rec.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
	b, err := tracker.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 50, b.SuccessCount)
	assert.Equal(t, StatusCompleted, b.Status)
}

func TestResolve_StoresResponse(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreateBatch(ctx, readyRecords(2), testWSURL)
	require.NoError(t, err)
	recs, err := tracker.ListSubmissions(ctx, id)
	require.NoError(t, err)

	_, err = tracker.Resolve(ctx, recs[1].ID, submission.Result{
		Code:        "CRE141",
		Message:     "Error CRE141: no existe",
		ResponseXML: "<root><ErrorMSG>Error CRE141: no existe</ErrorMSG></root>",
	})
	require.NoError(t, err)

	recs, err = tracker.ListSubmissions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, submission.StatusPending, recs[0].Status)
	assert.Equal(t, submission.StatusError, recs[1].Status)
	assert.Equal(t, "CRE141", recs[1].ResponseCode)
	assert.Contains(t, recs[1].ResponseXML, "ErrorMSG")
	assert.NotNil(t, recs[1].ProcessedAt)

	b, err := tracker.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ErrorCount)
	assert.Equal(t, 1, b.PendingCount)
	assert.Equal(t, StatusProcessing, b.Status)
}

func TestMarkProcessing(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.CreateBatch(ctx, readyRecords(1), testWSURL)
	require.NoError(t, err)
	recs, err := tracker.ListSubmissions(ctx, id)
	require.NoError(t, err)

	require.NoError(t, tracker.MarkProcessing(ctx, recs[0].ID))
	// Repeated marking after a restart is allowed.
	require.NoError(t, tracker.MarkProcessing(ctx, recs[0].ID))

	_, err = tracker.Resolve(ctx, recs[0].ID, submission.Result{Success: true})
	require.NoError(t, err)

	assert.ErrorIs(t, tracker.MarkProcessing(ctx, recs[0].ID), ErrInvalidTransition)
	assert.True(t, IsNotFound(tracker.MarkProcessing(ctx, "missing")))
}

func TestBatchConsistent(t *testing.T) {
	assert.True(t, (&Batch{TotalRecords: 2, SuccessCount: 1, ErrorCount: 1, Status: StatusCompleted}).Consistent())
	assert.False(t, (&Batch{TotalRecords: 2, SuccessCount: 1, ErrorCount: 1, Status: StatusProcessing}).Consistent())
	assert.False(t, (&Batch{TotalRecords: 2, PendingCount: 1, Status: StatusProcessing}).Consistent())
}
