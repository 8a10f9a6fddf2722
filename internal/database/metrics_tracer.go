package database

import (
	"context"
	"strings"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/jackc/pgx/v5"
)

// MetricsTracer records query duration and errors, labelled by statement verb.
type MetricsTracer struct{}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

type traceKey struct{}

type traceStart struct {
	at   time.Time
	verb string
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{at: time.Now(), verb: statementVerb(data.SQL)})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	metrics.DBQueryDuration.WithLabelValues(start.verb).Observe(time.Since(start.at).Seconds())
	if data.Err != nil {
		metrics.DBErrorsTotal.WithLabelValues(start.verb).Inc()
	}
}

// statementVerb keeps label cardinality bounded: only the leading keyword of a
// known statement kind is used.
func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	switch verb := strings.ToUpper(fields[0]); verb {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "CREATE", "DROP", "ALTER", "BEGIN", "COMMIT", "ROLLBACK":
		return verb
	default:
		return "other"
	}
}
