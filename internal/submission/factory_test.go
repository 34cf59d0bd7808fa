package submission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
)

const testWSURL = "http://rndc.test/soap/IBPMServices"

var consecutivoPattern = regexp.MustCompile(`<CONSECUTIVOREMESA>([^<]*)</CONSECUTIVOREMESA>`)

// fakeQuerier answers with a quantity derived from the consecutive found in
// the request, so any mix-up between rows is visible in the result.
type fakeQuerier struct {
	mu       sync.Mutex
	requests []string
	wsURLs   []string
	calls    int32
	answer   func(consecutivo string) (*rndc.Response, error)
	delay    func(consecutivo string) time.Duration
}

func (q *fakeQuerier) Query(ctx context.Context, wsURL, xmlRequest string) (*rndc.Response, error) {
	atomic.AddInt32(&q.calls, 1)
	q.mu.Lock()
	q.requests = append(q.requests, xmlRequest)
	q.wsURLs = append(q.wsURLs, wsURL)
	q.mu.Unlock()

	consecutivo := ""
	if m := consecutivoPattern.FindStringSubmatch(xmlRequest); m != nil {
		consecutivo = m[1]
	}
	if q.delay != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.delay(consecutivo)):
		}
	}
	if q.answer != nil {
		return q.answer(consecutivo)
	}
	return &rndc.Response{
		Success: true,
		Fields:  map[string]string{"cantidadcargada": "Q" + consecutivo},
	}, nil
}

func newTestFactory(q Querier, opts ...FactoryOption) *Factory {
	builder := rndc.NewBuilder(
		rndc.WithRand(rand.New(rand.NewPCG(1, 2))),
		rndc.WithDecoder(&ingest.Decoder{
			Now:      func() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) },
			Location: time.UTC,
		}),
	)
	all := []FactoryOption{WithLogger(logger.NewNoOpLogger())}
	if q != nil {
		all = append(all, WithQuerier(q, testWSURL))
	}
	return NewFactory(builder, rndc.Credentials{Username: "u", Password: "p"}, append(all, opts...)...)
}

func shipmentRows(n int) []ingest.Row {
	rows := make([]ingest.Row, n)
	for i := range rows {
		rows[i] = ingest.Row{
			"CONSECUTIVOREMESA":       fmt.Sprintf("%d", 100+i),
			"NUMNITEMPRESATRANSPORTE": "9013690938",
			"NUMPLACA":                fmt.Sprintf("PLA%03d", i),
			"FECHALLEGADACARGUE":      45678.0,
			"HORALLEGADACARGUE":       0.333333,
		}
	}
	return rows
}

func TestFromRows_ShipmentCompletionUsesOwnQuery(t *testing.T) {
	q := &fakeQuerier{
		// Reverse completion order relative to row order.
		delay: func(c string) time.Duration {
			var n int
			fmt.Sscanf(c, "%d", &n)
			return time.Duration(150-n) * time.Millisecond / 10
		},
	}
	rows := shipmentRows(20)

	records, err := newTestFactory(q, WithParallel(8)).FromRows(context.Background(), rows, rndc.KindShipmentCompletion)
	require.NoError(t, err)
	require.Len(t, records, len(rows))
	assert.Equal(t, int32(len(rows)), atomic.LoadInt32(&q.calls))

	for i, rec := range records {
		consecutivo := fmt.Sprintf("%d", 100+i)
		assert.Equal(t, i+1, rec.RowNo)
		assert.Equal(t, consecutivo, rec.ConsecutivoRemesa)
		assert.Equal(t, "Q"+consecutivo, rec.CantidadCargada)
		assert.False(t, rec.QueryFallback)
		assert.Contains(t, rec.XMLRequest, "<CANTIDADCARGADA>Q"+consecutivo+"</CANTIDADCARGADA>")
		assert.Contains(t, rec.XMLRequest, "<CANTIDADENTREGADA>Q"+consecutivo+"</CANTIDADENTREGADA>")
		assert.Equal(t, StatusReady, rec.Status)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, "21/01/2025", rec.Times.First.Date)
	}

	for _, req := range q.requests {
		assert.Contains(t, req, "<procesoid>3</procesoid>")
		assert.Len(t, consecutivoPattern.FindAllString(req, -1), 1)
	}
	for _, u := range q.wsURLs {
		assert.Equal(t, testWSURL, u)
	}
}

func TestFromRows_Fallback(t *testing.T) {
	tests := []struct {
		name   string
		answer func(string) (*rndc.Response, error)
	}{
		{"query error", func(string) (*rndc.Response, error) { return nil, errors.New("connection refused") }},
		{"rejected", func(string) (*rndc.Response, error) {
			return &rndc.Response{Success: false, Code: "CRE141", Message: "no existe"}, nil
		}},
		{"empty quantity", func(string) (*rndc.Response, error) {
			return &rndc.Response{Success: true, Fields: map[string]string{"ingresoid": "1"}}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{answer: tt.answer}
			records, err := newTestFactory(q).FromRows(context.Background(), shipmentRows(2), rndc.KindShipmentCompletion)
			require.NoError(t, err)
			require.Len(t, records, 2)
			for _, rec := range records {
				assert.Equal(t, FallbackQuantity, rec.CantidadCargada)
				assert.True(t, rec.QueryFallback)
				assert.Contains(t, rec.XMLRequest, "<CANTIDADCARGADA>10000</CANTIDADCARGADA>")
			}
		})
	}
}

func TestFromRows_NoQuerierFallsBack(t *testing.T) {
	records, err := newTestFactory(nil).FromRows(context.Background(), shipmentRows(1), rndc.KindShipmentCompletion)
	require.NoError(t, err)
	assert.Equal(t, FallbackQuantity, records[0].CantidadCargada)
}

func TestFromRows_OtherKindsSkipQuery(t *testing.T) {
	q := &fakeQuerier{}
	rows := []ingest.Row{
		{"INGRESOIDMANIFIESTO": "7788", "CODPUNTOCONTROL": "1", "FECHACITA": "15/03/2025", "HORACITA": "08:00"},
		{"INGRESOIDMANIFIESTO": "7788", "CODPUNTOCONTROL": "2", "FECHACITA": "15/03/2025", "HORACITA": "12:00"},
	}

	records, err := newTestFactory(q).FromRows(context.Background(), rows, rndc.KindPositionReport)
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&q.calls))
	assert.Equal(t, "7788/1", records[0].Key())
	assert.Equal(t, "7788/2", records[1].Key())
	assert.Empty(t, records[0].CantidadCargada)
	assert.Contains(t, records[1].XMLRequest, "<procesoid>60</procesoid>")
}

func TestFromRows_Empty(t *testing.T) {
	records, err := newTestFactory(&fakeQuerier{}).FromRows(context.Background(), nil, rndc.KindShipmentCompletion)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFromRows_ContextCancelled(t *testing.T) {
	q := &fakeQuerier{delay: func(string) time.Duration { return time.Second }}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestFactory(q).FromRows(ctx, shipmentRows(10), rndc.KindShipmentCompletion)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
