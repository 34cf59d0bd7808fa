package submission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ryabkov82/rndc-batch-server/internal/ingest"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/metrics"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
)

// FallbackQuantity is used when the quantity lookup fails or returns nothing.
const FallbackQuantity = "10000"

// DefaultParallel bounds concurrent quantity lookups.
const DefaultParallel = 4

// Querier runs a query-by-consecutive request against the registry,
// directly or through the batch API.
type Querier interface {
	Query(ctx context.Context, wsURL, xmlRequest string) (*rndc.Response, error)
}

// Factory turns spreadsheet rows into ready records.
type Factory struct {
	builder  *rndc.Builder
	querier  Querier
	creds    rndc.Credentials
	wsURL    string
	parallel int
	log      logger.Logger
	now      func() time.Time
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithQuerier sets the quantity lookup used for shipment completions.
func WithQuerier(q Querier, wsURL string) FactoryOption {
	return func(f *Factory) {
		f.querier = q
		f.wsURL = wsURL
	}
}

// WithParallel bounds concurrent lookups.
func WithParallel(n int) FactoryOption {
	return func(f *Factory) {
		if n > 0 {
			f.parallel = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) FactoryOption {
	return func(f *Factory) { f.log = log }
}

// NewFactory creates a Factory that signs messages with creds.
func NewFactory(builder *rndc.Builder, creds rndc.Credentials, opts ...FactoryOption) *Factory {
	f := &Factory{
		builder:  builder,
		creds:    creds,
		parallel: DefaultParallel,
		log:      logger.NewNoOpLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FromRows builds one ready record per row, in row order.
//
// Shipment completions first look up CANTIDADCARGADA with a
// query-by-consecutive built from the same row. A failed or empty lookup
// falls back to FallbackQuantity and never fails the call. The only error
// is cancellation of ctx.
func (f *Factory) FromRows(ctx context.Context, rows []ingest.Row, kind rndc.Kind) ([]Record, error) {
	records := make([]Record, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i] = f.fromRow(gctx, i+1, row, kind)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (f *Factory) fromRow(ctx context.Context, rowNo int, row ingest.Row, kind rndc.Kind) Record {
	rec := Record{
		ID:        uuid.NewString(),
		RowNo:     rowNo,
		Kind:      kind,
		Status:    StatusReady,
		CreatedAt: f.now().UTC(),
	}
	rec.businessKeys(row)

	var computed rndc.Computed
	if kind == rndc.KindShipmentCompletion {
		qty, fallback := f.lookupQuantity(ctx, rowNo, row)
		computed.CantidadCargada = qty
		rec.CantidadCargada = qty
		rec.QueryFallback = fallback
	}

	rendered := f.builder.Render(kind, row, f.creds, computed)
	rec.XMLRequest = rendered.XML
	rec.Times = rendered.Times
	return rec
}

// lookupQuantity returns the loaded quantity for row and whether the
// fallback was used.
func (f *Factory) lookupQuantity(ctx context.Context, rowNo int, row ingest.Row) (string, bool) {
	fields := map[string]interface{}{
		"row":               rowNo,
		"consecutivoRemesa": row.String("CONSECUTIVOREMESA"),
	}

	if f.querier == nil {
		return f.fallback("No quantity lookup configured, using fallback", fields), true
	}

	request := f.builder.Build(rndc.KindQueryByConsecutive, row, f.creds, rndc.Computed{})
	resp, err := f.querier.Query(ctx, f.wsURL, request)
	if err != nil {
		if ctx.Err() != nil {
			return FallbackQuantity, true
		}
		fields["error"] = err.Error()
		return f.fallback("Quantity lookup failed, using fallback", fields), true
	}
	if !resp.Success {
		fields["code"] = resp.Code
		fields["message"] = resp.Message
		return f.fallback("Quantity lookup rejected, using fallback", fields), true
	}

	qty := resp.Field("cantidadcargada")
	if qty == "" {
		return f.fallback("Quantity lookup returned no value, using fallback", fields), true
	}
	return qty, false
}

func (f *Factory) fallback(msg string, fields map[string]interface{}) string {
	fields["fallback"] = FallbackQuantity
	f.log.Warn(msg, fields)
	metrics.QueryFallbacks.Inc()
	return FallbackQuantity
}
