package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	camera_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	device_time  INTEGER NOT NULL,
	object_class TEXT,
	zone_id      TEXT,
	zone_event   TEXT,
	body         TEXT NOT NULL,
	acked_by     TEXT,
	acked_at     INTEGER
);
CREATE INDEX IF NOT EXISTS events_stream ON events (device_id, camera_id, kind, seq);
CREATE INDEX IF NOT EXISTS events_tenant_time ON events (tenant_id, device_time);
`

// Applied to every pooled connection. WAL lets queries run while the
// ingest path writes.
var eventPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

type SQLiteOptions struct {
	// Path is the database file. Its directory must exist.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteStore keeps the event log in a SQLite database, so stream
// watermarks and alert acknowledgements survive a restart. Events are
// stored as their JSON body plus the columns that queries filter and group
// on.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

func OpenSQLiteStore(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("event store: path is required")
	}
	size := opts.PoolSize
	if size <= 0 {
		size = 4
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range eventPragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event store: open %s: %w", opts.Path, err)
	}
	s := &SQLiteStore{
		pool:   pool,
		path:   opts.Path,
		logger: logging.OrDiscard(opts.Logger).With("component", "event-store"),
	}

	conn, err := s.take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, eventSchema, nil)
	s.pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("event store: create schema: %w", err)
	}

	s.logger.Info("event store opened", "path", opts.Path, "poolSize", size)
	return s, nil
}

// Close blocks until every borrowed connection is returned.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("event store: close %s: %w", s.path, err)
	}
	return nil
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("event store: take connection: %w", err)
	}
	return conn, nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event store: marshal %s: %w", ev.ID, err)
	}
	var objectClass, zoneID, zoneEvent any
	if ev.Detection != nil {
		objectClass = ev.Detection.ObjectClass
	}
	if ev.Zone != nil {
		zoneID = ev.Zone.ZoneID
		zoneEvent = ev.Zone.EventType
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO events (id, tenant_id, device_id, camera_id, kind, seq, device_time,
			object_class, zone_id, zone_event, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				ev.ID, ev.TenantID, ev.DeviceID, ev.CameraID, string(ev.Kind), ev.Seq,
				ev.DeviceTime.UnixNano(), objectClass, zoneID, zoneEvent, string(body),
			},
		})
	if err != nil {
		return fmt.Errorf("event store: insert %s: %w", ev.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Last(ctx context.Context, key model.StreamKey) (model.Event, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return model.Event{}, false, err
	}
	defer s.pool.Put(conn)

	records, err := selectRecords(conn, `
		SELECT id, body, acked_by, acked_at FROM events
		WHERE device_id = ? AND camera_id = ? AND kind = ?
		ORDER BY seq DESC LIMIT 1`,
		key.DeviceID, key.CameraID, string(key.Kind))
	if err != nil {
		return model.Event{}, false, fmt.Errorf("event store: last of %s: %w", key, err)
	}
	if len(records) == 0 {
		return model.Event{}, false, nil
	}
	return records[0].Event, true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)
	return getRecord(conn, id)
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	where, args := q.sqlWhere()

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	records, err := selectRecords(conn,
		"SELECT id, body, acked_by, acked_at FROM events"+where+" ORDER BY rowid DESC LIMIT ?",
		append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("event store: query: %w", err)
	}
	return records, nil
}

// Acknowledge is idempotent: acknowledging twice keeps the first ack.
func (s *SQLiteStore) Acknowledge(ctx context.Context, ack model.AlertAck) (rec Record, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Record{}, fmt.Errorf("event store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	rec, err = getRecord(conn, ack.AlertID)
	if err != nil {
		return Record{}, err
	}
	if rec.Kind != model.EventAlert {
		return Record{}, ErrNotAlert
	}
	if rec.Ack != nil {
		return rec, nil
	}
	err = sqlitex.Execute(conn, "UPDATE events SET acked_by = ?, acked_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{ack.AcknowledgedBy, ack.AcknowledgedAt.UnixNano(), ack.AlertID}})
	if err != nil {
		return Record{}, fmt.Errorf("event store: acknowledge %s: %w", ack.AlertID, err)
	}
	rec.Ack = &ack
	return rec, nil
}

func (s *SQLiteStore) Count(ctx context.Context, q Query) (int, error) {
	where, args := q.sqlWhere()

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events"+where, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("event store: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DetectionCounts(ctx context.Context, q Query, period time.Duration) ([]DetectionCount, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive")
	}
	q.Kind = model.EventDetection
	where, args := q.sqlWhere()
	p := int64(period)

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	// floor to the period start, also for times before the epoch
	query := `SELECT device_time - ((device_time % ?) + ?) % ? AS period, object_class, COUNT(*)
		FROM events` + where + `
		GROUP BY period, object_class
		ORDER BY period, object_class`
	result := []DetectionCount{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: append([]any{p, p, p}, args...),
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = append(result, DetectionCount{
				Period:      time.Unix(0, stmt.ColumnInt64(0)).UTC(),
				ObjectClass: stmt.ColumnText(1),
				Count:       stmt.ColumnInt(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event store: detection counts: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) ZoneActivity(ctx context.Context, q Query) ([]ZoneActivity, error) {
	q.Kind = model.EventZone
	where, args := q.sqlWhere()

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT zone_id, zone_event, COUNT(*) AS n
		FROM events` + where + `
		GROUP BY zone_id, zone_event
		ORDER BY n DESC, zone_id, zone_event`
	result := []ZoneActivity{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = append(result, ZoneActivity{
				ZoneID:    stmt.ColumnText(0),
				EventType: stmt.ColumnText(1),
				Count:     stmt.ColumnInt(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event store: zone activity: %w", err)
	}
	return result, nil
}

// sqlWhere renders the filter as a WHERE clause with positional arguments.
func (q Query) sqlWhere() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.DeviceID != "" {
		add("device_id = ?", q.DeviceID)
	}
	if q.CameraID != "" {
		add("camera_id = ?", q.CameraID)
	}
	if q.Kind != "" {
		add("kind = ?", string(q.Kind))
	}
	if !q.Since.IsZero() {
		add("device_time >= ?", q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		add("device_time < ?", q.Until.UnixNano())
	}
	if q.Acknowledged != nil {
		if *q.Acknowledged {
			clauses = append(clauses, "acked_at IS NOT NULL")
		} else {
			clauses = append(clauses, "acked_at IS NULL")
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func getRecord(conn *sqlite.Conn, id string) (Record, error) {
	records, err := selectRecords(conn, "SELECT id, body, acked_by, acked_at FROM events WHERE id = ?", id)
	if err != nil {
		return Record{}, fmt.Errorf("event store: get %s: %w", id, err)
	}
	if len(records) == 0 {
		return Record{}, ErrEventNotFound
	}
	return records[0], nil
}

// selectRecords runs a query whose columns are id, body, acked_by and
// acked_at.
func selectRecords(conn *sqlite.Conn, query string, args ...any) ([]Record, error) {
	records := []Record{}
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var r Record
			if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &r.Event); err != nil {
				return fmt.Errorf("decode event %s: %w", stmt.ColumnText(0), err)
			}
			if !stmt.ColumnIsNull(3) {
				r.Ack = &model.AlertAck{
					AlertID:        r.ID,
					AcknowledgedBy: stmt.ColumnText(2),
					AcknowledgedAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				}
			}
			records = append(records, r)
			return nil
		},
	})
	return records, err
}
