package batch

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

var batchCols = []string{
	"id", "kind", "ws_url", "total_records", "success_count", "error_count",
	"pending_count", "status", "created_at", "completed_at",
}

var created = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(db)
	store.now = func() time.Time { return created.Add(time.Hour) }
	return store, mock
}

func TestPostgresCreate(t *testing.T) {
	store, mock := newMockStore(t)

	b := &Batch{
		ID: "b1", Kind: rndc.KindShipmentCompletion, WSURL: testWSURL,
		TotalRecords: 2, PendingCount: 2, Status: StatusProcessing, CreatedAt: created,
	}
	recs := []submission.Record{
		{ID: "r1", BatchID: "b1", RowNo: 1, Kind: rndc.KindShipmentCompletion, Status: submission.StatusPending},
		{ID: "r2", BatchID: "b1", RowNo: 2, Kind: rndc.KindShipmentCompletion, Status: submission.StatusPending},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batches")).
		WithArgs("b1", "shipment-completion", testWSURL, 2, 0, 0, 2, "processing", created, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`COPY "submissions"`))
	prep.ExpectExec().WithArgs("r1", "b1", 1, "shipment-completion", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("r2", "b1", 2, "shipment-completion", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Create(context.Background(), b, recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreate_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batches")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.Create(context.Background(), &Batch{ID: "b1", CreatedAt: created}, nil)
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM batches WHERE id = $1")).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b1", "position-report", testWSURL, 3, 1, 1, 1, "processing", created, nil))

	b, err := store.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, rndc.KindPositionReport, b.Kind)
	assert.Equal(t, 3, b.TotalRecords)
	assert.Equal(t, StatusProcessing, b.Status)
	assert.Nil(t, b.CompletedAt)
	assert.True(t, b.Consistent())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM batches WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(batchCols))

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresListSubmissions(t *testing.T) {
	store, mock := newMockStore(t)
	processed := created.Add(time.Minute)

	payload, err := json.Marshal(submission.Record{
		ID: "r1", BatchID: "b1", RowNo: 1, Kind: rndc.KindShipmentCompletion,
		ConsecutivoRemesa: "112", XMLRequest: "<root/>", Status: submission.StatusPending,
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM batches WHERE id = $1")).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b1", "shipment-completion", testWSURL, 1, 1, 0, 0, "completed", created, processed))
	mock.ExpectQuery(regexp.QuoteMeta("FROM submissions WHERE batch_id = $1 ORDER BY row_no")).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "status", "response_code", "response_message", "response_xml", "processed_at"}).
			AddRow(payload, "success", "4455", "OK", "<root><ingresoid>4455</ingresoid></root>", processed))

	recs, err := store.ListSubmissions(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "112", recs[0].ConsecutivoRemesa)
	assert.Equal(t, submission.StatusSuccess, recs[0].Status)
	assert.Equal(t, "4455", recs[0].ResponseCode)
	require.NotNil(t, recs[0].ProcessedAt)
	assert.True(t, processed.Equal(*recs[0].ProcessedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListProcessing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM batches WHERE status = $1")).
		WithArgs("processing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b1").AddRow("b2"))

	ids, err := store.ListProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, ids)
}

func TestPostgresMarkProcessing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = $2")).
		WithArgs("r1", "processing", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkProcessing(context.Background(), "r1"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = $2")).
		WithArgs("r2", "processing", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM submissions WHERE id = $1")).
		WithArgs("r2").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("success"))
	assert.ErrorIs(t, store.MarkProcessing(context.Background(), "r2"), ErrInvalidTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolve_CompletesBatch(t *testing.T) {
	store, mock := newMockStore(t)
	processed := created.Add(2 * time.Minute)
	completedAt := created.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id, status FROM submissions WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "status"}).AddRow("b1", "processing"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WithArgs("r1", "success", "4455", "OK", "<root/>", processed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE batches")).
		WithArgs("b1", 1, 0, "completed", completedAt).
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b1", "shipment-completion", testWSURL, 2, 2, 0, 0, "completed", created, completedAt))
	mock.ExpectCommit()

	b, completedNow, err := store.Resolve(context.Background(), "r1", submission.Result{
		Success: true, Code: "4455", Message: "OK", ResponseXML: "<root/>", ProcessedAt: processed,
	})
	require.NoError(t, err)
	assert.True(t, completedNow)
	assert.Equal(t, StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	assert.True(t, b.Consistent())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolve_NotLastRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "status"}).AddRow("b1", "pending"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions")).
		WithArgs("r1", "error", "CRE141", "no existe", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE batches")).
		WithArgs("b1", 0, 1, "completed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b1", "shipment-completion", testWSURL, 2, 0, 1, 1, "processing", created, nil))
	mock.ExpectCommit()

	b, completedNow, err := store.Resolve(context.Background(), "r1", submission.Result{Code: "CRE141", Message: "no existe"})
	require.NoError(t, err)
	assert.False(t, completedNow)
	assert.Equal(t, 1, b.PendingCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolve_TerminalRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "status"}).AddRow("b1", "success"))
	mock.ExpectRollback()

	_, _, err := store.Resolve(context.Background(), "r1", submission.Result{Success: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolve_UnknownRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "status"}))
	mock.ExpectRollback()

	_, _, err := store.Resolve(context.Background(), "missing", submission.Result{Success: true})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM batches WHERE id = $1")).
		WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), "b1"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM batches WHERE id = $1")).
		WithArgs("b2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Delete(context.Background(), "b2"), ErrNotFound)
}
