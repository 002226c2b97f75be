package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/market-collector/internal/telemetry"
)

const maxStatementAttr = 256

// TracedPool wraps a DatabasePool and opens one span per call.
type TracedPool struct {
	pool   DatabasePool
	tracer trace.Tracer
}

func NewTracedPool(pool DatabasePool) *TracedPool {
	return &TracedPool{pool: pool, tracer: telemetry.Tracer("database")}
}

func (db *TracedPool) start(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, "db."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.statement", compactStatement(sql)),
	))
}

func (db *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := db.start(ctx, "query", sql)
	defer span.End()
	rows, err := db.pool.Query(ctx, sql, args...)
	telemetry.RecordError(span, err)
	return rows, err
}

// QueryRow defers errors to Scan, so the span only covers dispatch.
func (db *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := db.start(ctx, "query_row", sql)
	defer span.End()
	return db.pool.QueryRow(ctx, sql, args...)
}

func (db *TracedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := db.start(ctx, "exec", sql)
	defer span.End()
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	}
	telemetry.RecordError(span, err)
	return tag, err
}

func (db *TracedPool) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	ctx, span := db.start(ctx, "copy_from", "COPY "+tableName.Sanitize())
	defer span.End()
	n, err := db.pool.CopyFrom(ctx, tableName, columnNames, rowSrc)
	if err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", n))
	}
	telemetry.RecordError(span, err)
	return n, err
}

func (db *TracedPool) Ping(ctx context.Context) error {
	ctx, span := db.start(ctx, "ping", "")
	defer span.End()
	err := db.pool.Ping(ctx)
	telemetry.RecordError(span, err)
	return err
}

// compactStatement collapses whitespace and truncates long SQL.
func compactStatement(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxStatementAttr {
		return s[:maxStatementAttr] + "..."
	}
	return s
}
