package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	record_id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	user_id TEXT,
	client_id TEXT,
	session_id TEXT,
	tool_name TEXT,
	ip_address TEXT,
	user_agent TEXT,
	country TEXT,
	city TEXT,
	duration_ms INTEGER,
	status TEXT NOT NULL DEFAULT 'success' CHECK(status IN ('success', 'error')),
	error_message TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id) WHERE user_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id) WHERE session_id IS NOT NULL;
`

// SQLiteSink writes batches to the audit_log table, one transaction per
// batch. Re-sending a batch that was in fact committed is harmless: rows are
// keyed by record ID and duplicate IDs are skipped. Any other constraint
// failure aborts the whole batch.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

func (s *SQLiteSink) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

func (s *SQLiteSink) AppendBatch(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit sink: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log (record_id, timestamp, event_type, user_id, client_id,
			session_id, tool_name, ip_address, user_agent, country, city, duration_ms,
			status, error_message, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(record_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("audit sink: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Timestamp.UnixMilli(), string(r.Type), null(r.UserID), null(r.ClientID),
			null(r.SessionID), null(r.ToolName), null(r.IP), null(r.UserAgent),
			null(r.Country), null(r.City), r.DurationMs,
			string(r.Status), null(r.Error), null(r.Metadata)); err != nil {
			return fmt.Errorf("audit sink: insert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit sink: commit: %w", err)
	}
	return nil
}

// Recent returns the newest records first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, timestamp, event_type, user_id, client_id, session_id, tool_name,
		       ip_address, user_agent, country, city, duration_ms, status, error_message, metadata
		FROM audit_log
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                                     Record
			ts                                    int64
			eventType, status                     string
			userID, clientID, sessionID, toolName sql.NullString
			ip, ua, country, city, errMsg, meta   sql.NullString
			duration                              sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &ts, &eventType, &userID, &clientID, &sessionID, &toolName,
			&ip, &ua, &country, &city, &duration, &status, &errMsg, &meta); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		r.Type = EventType(eventType)
		r.Status = Status(status)
		r.UserID = userID.String
		r.ClientID = clientID.String
		r.SessionID = sessionID.String
		r.ToolName = toolName.String
		r.IP = ip.String
		r.UserAgent = ua.String
		r.Country = country.String
		r.City = city.String
		r.Error = errMsg.String
		r.Metadata = meta.String
		if duration.Valid {
			d := duration.Int64
			r.DurationMs = &d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func null(s string) any {
	if s == "" {
		return nil
	}
	return s
}
