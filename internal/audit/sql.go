package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/sqldb"
)

const auditTableName = "relaycollab_audit"

type SQLRecorder struct {
	dsn       string
	dialect   sqldb.Dialect
	tableName string
	openDB    sqldb.OpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecorder(dsn string) (*SQLRecorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLRecorder{dsn: dsn, dialect: sqldb.Postgres, tableName: auditTableName, openDB: sql.Open}, nil
}

func NewSQLiteRecorder(path string) (*SQLRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLRecorder{dsn: sqldb.SQLiteDSN(path), dialect: sqldb.SQLite, tableName: auditTableName, openDB: sql.Open}, nil
}

func (r *SQLRecorder) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.dialect.Open(r.openDB, r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqldb.OperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				actor_id TEXT NOT NULL,
				document_id TEXT NOT NULL,
				action TEXT NOT NULL,
				input TEXT NOT NULL,
				output TEXT NOT NULL,
				success BOOLEAN NOT NULL,
				error TEXT NOT NULL,
				duration_ms BIGINT NOT NULL,
				recorded_at BIGINT NOT NULL
			)`, sqldb.QuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func (r *SQLRecorder) RecordOperation(ctx context.Context, entry Entry) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	input, err := encodeField(entry.Input)
	if err != nil {
		return err
	}
	output, err := encodeField(entry.Output)
	if err != nil {
		return err
	}
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := r.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (actor_id, document_id, action, input, output, success, error, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, sqldb.QuoteIdentifier(r.tableName)))
	_, err = r.db.ExecContext(ctx, query, entry.ActorID, entry.DocumentID, entry.Action, input, output,
		entry.Success, entry.Error, entry.DurationMs, recordedAt.UTC().UnixNano())
	return err
}

// Recent returns up to limit entries, newest first.
func (r *SQLRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := r.dialect.Rebind(fmt.Sprintf(`
		SELECT actor_id, document_id, action, input, output, success, error, duration_ms, recorded_at
		FROM %s ORDER BY recorded_at DESC LIMIT ?`, sqldb.QuoteIdentifier(r.tableName)))
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			entry         Entry
			input, output string
			recordedAt    int64
		)
		if err := rows.Scan(&entry.ActorID, &entry.DocumentID, &entry.Action, &input, &output,
			&entry.Success, &entry.Error, &entry.DurationMs, &recordedAt); err != nil {
			return nil, err
		}
		entry.Input = decodeField(input)
		entry.Output = decodeField(output)
		entry.RecordedAt = time.Unix(0, recordedAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *SQLRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func encodeField(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode audit field: %w", err)
	}
	return string(raw), nil
}

func decodeField(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
