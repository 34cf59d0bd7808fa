package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/apperror"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/metrics"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// DefaultRetryDelay is how long a batch waits before it is queued again
// after a store failure left some of its records unresolved.
const DefaultRetryDelay = 5 * time.Second

// Sender transmits one request to the registry.
type Sender interface {
	Send(ctx context.Context, wsURL, request string) (*rndc.Response, error)
}

// Processor drains the queue and drives records pending -> processing ->
// success|error. Batches are processed concurrently, records of one batch
// in row order.
type Processor struct {
	tracker *Tracker
	queue   Queue
	sender  Sender
	workers int
	log     logger.Logger
	now     func() time.Time

	retryDelay time.Duration

	wg sync.WaitGroup
}

// NewProcessor creates a Processor with the given number of workers.
func NewProcessor(tracker *Tracker, queue Queue, sender Sender, workers int, log logger.Logger) *Processor {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Processor{
		tracker: tracker,
		queue:   queue,
		sender:  sender,
		workers: workers,
		log:     log,
		now:     time.Now,

		retryDelay: DefaultRetryDelay,
	}
}

// Start re-enqueues unfinished batches and launches the workers.
// Workers stop when ctx is done or the queue is closed; Wait blocks until then.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.Recover(ctx); err != nil {
		return err
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Wait blocks until all workers have returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Recover queues batches left in processing by a previous run.
func (p *Processor) Recover(ctx context.Context) error {
	ids, err := p.tracker.ListProcessing(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.queue.Enqueue(ctx, id); err != nil {
			p.log.WithError(err).Warn("Failed to re-enqueue unfinished batch", map[string]interface{}{"batchId": id})
			continue
		}
		p.log.Info("Re-enqueued unfinished batch", map[string]interface{}{"batchId": id})
	}
	return nil
}

func (p *Processor) worker(ctx context.Context, n int) {
	defer p.wg.Done()

	for {
		batchID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.log.WithError(err).Error("Error getting next batch", map[string]interface{}{"worker": n})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.ProcessBatch(ctx, batchID)
	}
}

// ProcessBatch transmits every unresolved record of the batch. When a store
// failure leaves records unresolved, the batch is queued again after the
// retry delay.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string) {
	log := p.log.WithFields(map[string]interface{}{"batchId": batchID})

	b, err := p.tracker.GetBatch(ctx, batchID)
	if err != nil {
		log.WithError(err).Error("Failed to load batch", nil)
		p.retryOnStoreError(ctx, log, batchID, err)
		return
	}
	if b.Status == StatusCompleted {
		return
	}

	records, err := p.tracker.ListSubmissions(ctx, batchID)
	if err != nil {
		log.WithError(err).Error("Failed to list submissions", nil)
		p.retryOnStoreError(ctx, log, batchID, err)
		return
	}

	var storeErr error
	for i := range records {
		if ctx.Err() != nil {
			log.Warn("Batch processing interrupted", map[string]interface{}{"remaining": len(records) - i})
			return
		}
		if records[i].Status.Terminal() {
			continue
		}
		if err := p.processRecord(ctx, log, b.WSURL, &records[i]); err != nil && storeErr == nil {
			storeErr = err
		}
	}
	if storeErr != nil {
		p.retryOnStoreError(ctx, log, batchID, storeErr)
	}
}

// retryOnStoreError queues batchID again after the retry delay unless err
// is permanent or ctx ends first.
func (p *Processor) retryOnStoreError(ctx context.Context, log logger.Logger, batchID string, err error) {
	if ctx.Err() != nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(p.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.queue.Enqueue(ctx, batchID); err != nil {
			log.WithError(err).Warn("Failed to re-enqueue batch after store error", nil)
			return
		}
		log.Info("Re-enqueued batch after store error", map[string]interface{}{"delay": p.retryDelay.String()})
	}()
}

// processRecord sends one record and stores the answer. The returned error
// is a store failure; registry failures are stored on the record.
func (p *Processor) processRecord(ctx context.Context, log logger.Logger, wsURL string, rec *submission.Record) error {
	if err := p.tracker.MarkProcessing(ctx, rec.ID); err != nil {
		log.WithError(err).Error("Failed to mark submission processing", map[string]interface{}{"submissionId": rec.ID})
		return err
	}

	metrics.SubmissionsInFlight.Inc()
	resp, err := p.sender.Send(ctx, wsURL, rec.XMLRequest)
	metrics.SubmissionsInFlight.Dec()

	if err != nil && ctx.Err() != nil {
		// Left in processing; Recover picks the batch up on the next start.
		return nil
	}

	result := submission.Result{ProcessedAt: p.now().UTC()}
	if err != nil {
		result.Code = string(apperror.CodeOf(err, apperror.ErrCodeRegistryNetwork))
		result.Message = err.Error()
	} else {
		result.Success = resp.Success
		result.Code = resp.Code
		result.Message = resp.Message
		result.ResponseXML = resp.Raw
	}

	b, err := p.tracker.Resolve(ctx, rec.ID, result)
	if err != nil {
		log.WithError(err).Error("Failed to resolve submission", map[string]interface{}{"submissionId": rec.ID})
		return err
	}

	fields := map[string]interface{}{
		"row":     rec.RowNo,
		"key":     rec.Key(),
		"code":    result.Code,
		"pending": b.PendingCount,
	}
	if result.Success {
		log.Debug("Submission accepted", fields)
	} else {
		fields["message"] = result.Message
		log.Warn("Submission rejected", fields)
	}
	return nil
}
