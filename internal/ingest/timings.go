package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Stage is one step of turning a spreadsheet into a batch.
type Stage string

const (
	StageRead   Stage = "read"
	StageBuild  Stage = "build"
	StageSubmit Stage = "submit"
)

var stageOrder = []Stage{StageRead, StageBuild, StageSubmit}

// Timings tracks how long each stage of an import took.
type Timings struct {
	mu     sync.Mutex
	totals map[Stage]time.Duration
	counts map[Stage]int64
}

// NewTimings creates a new Timings instance
func NewTimings() *Timings {
	return &Timings{
		totals: make(map[Stage]time.Duration),
		counts: make(map[Stage]int64),
	}
}

// Observe records one run of stage.
func (t *Timings) Observe(stage Stage, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[stage] += d
	t.counts[stage]++
}

// Track starts timing stage; call the returned func when it is done.
//
//	defer timings.Track(ingest.StageRead)()
func (t *Timings) Track(stage Stage) func() {
	start := time.Now()
	return func() { t.Observe(stage, time.Since(start)) }
}

// Total returns the accumulated duration of stage.
func (t *Timings) Total(stage Stage) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[stage]
}

// Fields returns the totals in milliseconds, keyed "<stage>Ms", for log fields.
func (t *Timings) Fields() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	fields := make(map[string]interface{}, len(t.totals))
	for stage, d := range t.totals {
		fields[string(stage)+"Ms"] = d.Milliseconds()
	}
	return fields
}

// String returns a formatted summary of all timings
func (t *Timings) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parts []string
	for _, stage := range stageOrder {
		n := t.counts[stage]
		if n == 0 {
			continue
		}
		total := t.totals[stage]
		parts = append(parts, fmt.Sprintf("%s: total=%v count=%d avg=%v", stage, total, n, total/time.Duration(n)))
	}
	if len(parts) == 0 {
		return "No timings recorded"
	}
	return strings.Join(parts, "; ")
}
