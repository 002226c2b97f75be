package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedMock(t *testing.T) (*TracedPool, pgxmock.PgxPoolIface, *tracetest.SpanRecorder) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &TracedPool{pool: mockPool, tracer: tp.Tracer("test")}, mockPool, recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestTracedPool_ExecRecordsSpan(t *testing.T) {
	db, mockPool, recorder := newTracedMock(t)

	mockPool.ExpectExec(`DELETE FROM price_history`).WillReturnResult(pgxmock.NewResult("DELETE", 3))

	tag, err := db.Exec(context.Background(), "DELETE FROM price_history\n\t\tWHERE recorded_at < $1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tag.RowsAffected())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "db.exec", spans[0].Name())
	assert.Equal(t, "DELETE FROM price_history WHERE recorded_at < $1", spanAttr(spans[0], "db.statement").AsString())
	assert.Equal(t, int64(3), spanAttr(spans[0], "db.rows_affected").AsInt64())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestTracedPool_QueryErrorMarksSpan(t *testing.T) {
	db, mockPool, recorder := newTracedMock(t)

	mockPool.ExpectQuery(`SELECT 1`).WillReturnError(errors.New("connection reset"))

	_, err := db.Query(context.Background(), "SELECT 1")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "connection reset", spans[0].Status().Description)
}

func TestTracedPool_CopyFromAndPing(t *testing.T) {
	db, mockPool, recorder := newTracedMock(t)

	mockPool.ExpectCopyFrom(pgx.Identifier{"price_history"}, []string{"close"}).WillReturnResult(2)
	mockPool.ExpectPing()

	n, err := db.CopyFrom(context.Background(), pgx.Identifier{"price_history"}, []string{"close"},
		pgx.CopyFromRows([][]any{{1}, {2}}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, db.Ping(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "db.copy_from", spans[0].Name())
	assert.Equal(t, `COPY "price_history"`, spanAttr(spans[0], "db.statement").AsString())
	assert.Equal(t, "db.ping", spans[1].Name())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCompactStatement_Truncates(t *testing.T) {
	long := "SELECT " + strings.Repeat("col, ", 100) + "x FROM t"
	out := compactStatement(long)
	assert.Len(t, out, maxStatementAttr+3)
	assert.True(t, strings.HasSuffix(out, "..."))
}
