package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/config"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
)

// OlapExporter bulk-inserts finished spans into the `t_span` table of a
// MySQL protocol OLAP store (Doris, StarRocks).
type OlapExporter struct {
	conn     sqlx.SqlConn
	inserter *sqlx.BulkInserter

	// ExportSpans is only called by the batch worker, the lock guards
	// against background flushes of the inserter racing lastErr.
	mu      sync.Mutex
	lastErr error
}

func NewOlapExporter(dsn string) (*OlapExporter, error) {
	// conn to the OLAP server
	if dsn == "" {
		dsn = config.CALLSCOPE_DEFAULT_DSN
	}
	db := sqlx.NewMysql(dsn)

	if err := CreateSpanTable(db); err != nil {
		logrus.WithError(err).Error("callscope couldn't create table t_span")
		return nil, err
	}
	inserter, err := NewSpanInserter(db)
	if err != nil {
		logrus.WithError(err).Error("callscope couldn't open table t_span")
		return nil, err
	}

	o := &OlapExporter{conn: db, inserter: inserter}
	inserter.SetResultHandler(func(_ sql.Result, err error) {
		if err == nil {
			return
		}
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
	})
	return o, nil
}

func CreateSpanTable(db sqlx.SqlConn) error {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS `t_span` " +
		"(id VARCHAR(16), " + // span id hex
		"trace_id VARCHAR(32), " +
		"parent_id VARCHAR(16), " +
		"name VARCHAR(256), " +
		"kind VARCHAR(16), " +
		"status VARCHAR(8), " +
		"status_msg VARCHAR(1024), " +
		"start_time DATETIME(6), " +
		"end_time DATETIME(6), " +
		"attributes STRING) " +
		"DISTRIBUTED BY HASH(trace_id) BUCKETS 32 " +
		"PROPERTIES (\"replication_num\" = \"1\");")
	return err
}

func NewSpanInserter(db sqlx.SqlConn) (*sqlx.BulkInserter, error) {
	return sqlx.NewBulkInserter(db, "INSERT INTO `t_span` "+
		"(id, "+
		"trace_id, "+
		"parent_id, "+
		"name, "+
		"kind, "+
		"status, "+
		"status_msg, "+
		"start_time, "+
		"end_time, "+
		"attributes) "+
		"VALUES (?,?,?,?,?,?,?,?,?,?)")
}

// spanRow flattens a span into the column order of NewSpanInserter.
func spanRow(s sdktr.ReadOnlySpan) []any {
	parent := ""
	if s.Parent().IsValid() {
		parent = s.Parent().SpanID().String()
	}

	attrs := make(map[string]string, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		encoded = []byte("{}")
	}

	return []any{
		s.SpanContext().SpanID().String(),
		s.SpanContext().TraceID().String(),
		parent,
		s.Name(),
		s.SpanKind().String(),
		s.Status().Code.String(),
		s.Status().Description,
		s.StartTime().UTC().Format(config.DATE6),
		s.EndTime().UTC().Format(config.DATE6),
		string(encoded),
	}
}

func (o *OlapExporter) ExportSpans(ctx context.Context, spans []sdktr.ReadOnlySpan) error {
	o.mu.Lock()
	o.lastErr = nil
	o.mu.Unlock()

	for _, s := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.inserter.Insert(spanRow(s)...); err != nil {
			logrus.WithError(err).WithField("span", s.Name()).Warn("callscope couldn't insert span")
			return err
		}
	}
	o.inserter.Flush()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *OlapExporter) Shutdown(context.Context) error {
	o.inserter.Flush()
	return nil
}

// SelectSpans reads back one trace, oldest first.
func (o *OlapExporter) SelectSpans(traceID string) ([]SpanEntity, error) {
	var buf []SpanEntity
	err := o.conn.QueryRows(&buf, "SELECT id, trace_id, parent_id, name, kind, status, status_msg, start_time, end_time, attributes "+
		"FROM `t_span` WHERE trace_id = ? ORDER BY start_time", traceID)
	if err != nil {
		logrus.WithError(err).Error("callscope couldn't select spans")
		return nil, err
	}
	return buf, nil
}

// SpanEntity is one `t_span` row.
type SpanEntity struct {
	ID         string `db:"id"`
	TraceID    string `db:"trace_id"`
	ParentID   string `db:"parent_id"`
	Name       string `db:"name"`
	Kind       string `db:"kind"`
	Status     string `db:"status"`
	StatusMsg  string `db:"status_msg"`
	StartTime  string `db:"start_time"`
	EndTime    string `db:"end_time"`
	Attributes string `db:"attributes"`
}
