package database

import (
	"context"
	"errors"
	"testing"

	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatementVerb(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT id FROM widgets", "SELECT"},
		{"\n\tselect 1", "SELECT"},
		{"insert into widgets", "INSERT"},
		{"VACUUM widgets", "other"},
		{"", "unknown"},
		{"   ", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statementVerb(tt.sql), tt.sql)
	}
}

func TestMetricsTracer_CountsErrors(t *testing.T) {
	tracer := &MetricsTracer{}
	before := testutil.ToFloat64(metrics.DBErrorsTotal.WithLabelValues("DELETE"))

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "DELETE FROM widgets"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DBErrorsTotal.WithLabelValues("DELETE")))
}

func TestMetricsTracer_IgnoresUntracedContext(t *testing.T) {
	tracer := &MetricsTracer{}
	before := testutil.ToFloat64(metrics.DBErrorsTotal.WithLabelValues("unknown"))

	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	assert.Equal(t, before, testutil.ToFloat64(metrics.DBErrorsTotal.WithLabelValues("unknown")))
}

func TestSSLMode(t *testing.T) {
	assert.Equal(t, "require", sslMode("postgres://u:p@h/db?sslmode=REQUIRE"))
	assert.Equal(t, "prefer (default)", sslMode("postgres://u:p@h/db"))
	assert.Equal(t, "unknown", sslMode("://bad"))
}
