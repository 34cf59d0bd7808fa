// Package poller keeps a local view of a server-side batch in sync until the
// batch completes.
package poller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// DefaultInterval is the time between two fetches of the same batch.
const DefaultInterval = 2 * time.Second

// Source is the read side of the batch tracker.
type Source interface {
	GetBatch(ctx context.Context, batchID string) (*batch.Batch, error)
	ListSubmissions(ctx context.Context, batchID string) ([]submission.Record, error)
}

// State is the lifecycle of one poll session.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateDone    State = "done"
)

// Summary is emitted once when a batch completes.
type Summary struct {
	BatchID      string
	Kind         string
	TotalRecords int
	SuccessCount int
	ErrorCount   int
}

// OnUpdate is called after every successful fetch
// snapshot: the batch and its records as reported by the tracker
type OnUpdate func(snapshot Snapshot)

// OnComplete is called exactly once when the batch reaches completed
type OnComplete func(summary Summary)

// OnError is called when a fetch fails. Polling continues on the next tick.
type OnError func(batchID string, err error)

// Handlers groups the optional session callbacks.
type Handlers struct {
	OnUpdate   OnUpdate
	OnComplete OnComplete
	OnError    OnError
}

// Poller owns the active sessions, at most one per batch id.
type Poller struct {
	source   Source
	interval time.Duration
	log      logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Poller. A non-positive interval selects DefaultInterval.
func New(source Source, interval time.Duration, log logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Poller{
		source:   source,
		interval: interval,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Start begins polling batchID. If a session for batchID is still polling or
// has already completed, that session is returned and h is ignored; only
// Close allows a new session for the same batch.
func (p *Poller) Start(ctx context.Context, batchID string, h Handlers) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[batchID]; ok && s.reusable() {
		return s
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		batchID:  batchID,
		source:   p.source,
		interval: p.interval,
		log:      p.log.WithFields(map[string]interface{}{"batchId": batchID}),
		handlers: h,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		state:    StatePolling,
	}
	p.sessions[batchID] = s

	go s.run(sctx)
	return s
}

// Session returns the session for batchID, if any.
func (p *Poller) Session(batchID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[batchID]
	return s, ok
}

// Close discards the session for batchID. Other sessions are unaffected.
func (p *Poller) Close(batchID string) {
	p.mu.Lock()
	s, ok := p.sessions[batchID]
	delete(p.sessions, batchID)
	p.mu.Unlock()

	if ok {
		s.Close()
	}
}

// CloseAll discards every session.
func (p *Poller) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Snapshot is the last fetched view of a batch.
type Snapshot struct {
	Batch   *batch.Batch
	Records []submission.Record
}

// ByKey indexes the records by their stable row identity. Rows sharing a key
// keep the first occurrence.
func (s Snapshot) ByKey() map[string]submission.Record {
	out := make(map[string]submission.Record, len(s.Records))
	for _, rec := range s.Records {
		k := rec.Key()
		if _, ok := out[k]; !ok {
			out[k] = rec
		}
	}
	return out
}

// Session polls a single batch.
type Session struct {
	batchID  string
	source   Source
	interval time.Duration
	log      logger.Logger
	handlers Handlers

	cancel     context.CancelFunc
	stopped    chan struct{}
	closed     atomic.Bool
	inFlight   atomic.Bool
	notifyOnce sync.Once
	stopOnce   sync.Once

	mu       sync.RWMutex
	state    State
	snapshot Snapshot
}

// BatchID returns the polled batch id.
func (s *Session) BatchID() string { return s.batchID }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the last fetched view. Records are sorted by row number.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Batch: s.snapshot.Batch}
	snap.Records = append([]submission.Record(nil), s.snapshot.Records...)
	return snap
}

// Stopped is closed once the polling goroutine has returned.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// Wait blocks until the session stops or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the timer and keeps the fetched state. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)
}

// Close stops the session, drops the fetched state and returns it to idle.
// Responses arriving after Close are ignored.
func (s *Session) Close() {
	s.closed.Store(true)
	s.Stop()

	s.mu.Lock()
	s.state = StateIdle
	s.snapshot = Snapshot{}
	s.mu.Unlock()
}

// reusable reports whether Start should hand out s again: it completed, or it
// is polling and its goroutine is still running.
func (s *Session) reusable() bool {
	switch s.State() {
	case StateDone:
		return true
	case StatePolling:
		select {
		case <-s.stopped:
			return false
		default:
			return true
		}
	}
	return false
}

func (s *Session) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll fetches the batch once. Overlapping calls are skipped.
func (s *Session) poll(ctx context.Context) {
	if s.closed.Load() || !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	b, err := s.source.GetBatch(ctx, s.batchID)
	if s.closed.Load() {
		return
	}
	if err != nil {
		s.fail(ctx, err)
		return
	}

	recs, err := s.source.ListSubmissions(ctx, s.batchID)
	if s.closed.Load() {
		return
	}
	if err != nil {
		s.fail(ctx, err)
		return
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].RowNo < recs[j].RowNo })

	s.mu.Lock()
	active := s.state == StatePolling
	if active {
		s.snapshot = Snapshot{Batch: b, Records: recs}
	}
	s.mu.Unlock()
	if !active {
		return
	}

	if s.handlers.OnUpdate != nil {
		s.handlers.OnUpdate(s.Snapshot())
	}
	if b.Status == batch.StatusCompleted {
		s.complete(b)
	}
}

func (s *Session) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.log.WithError(err).Warn("Batch poll failed", nil)
	if s.handlers.OnError != nil {
		s.handlers.OnError(s.batchID, err)
	}
}

// complete moves the session to done and notifies once, however many times
// it is reached.
func (s *Session) complete(b *batch.Batch) {
	if s.closed.Load() {
		return
	}
	s.notifyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDone
		s.mu.Unlock()
		s.Stop()

		summary := Summary{
			BatchID:      b.ID,
			Kind:         string(b.Kind),
			TotalRecords: b.TotalRecords,
			SuccessCount: b.SuccessCount,
			ErrorCount:   b.ErrorCount,
		}
		s.log.Info("Batch finished", map[string]interface{}{
			"success": summary.SuccessCount,
			"error":   summary.ErrorCount,
		})
		if s.handlers.OnComplete != nil {
			s.handlers.OnComplete(summary)
		}
	})
}
