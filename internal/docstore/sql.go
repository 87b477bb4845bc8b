package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycollab/internal/sqldb"
)

const documentsTableName = "relaycollab_documents"

// SQLStore persists documents in a single table. The same implementation
// serves postgres and sqlite.
type SQLStore struct {
	dsn       string
	dialect   sqldb.Dialect
	tableName string
	openDB    sqldb.OpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		dialect:   sqldb.Postgres,
		tableName: documentsTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       sqldb.SQLiteDSN(path),
		dialect:   sqldb.SQLite,
		tableName: documentsTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (s *SQLStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.dialect.Open(s.openDB, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqldb.OperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				format TEXT NOT NULL,
				content TEXT NOT NULL,
				version BIGINT NOT NULL,
				hash TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`, sqldb.QuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) columns() string {
	return "id, name, format, content, version, hash, created_at, updated_at"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc       Document
		format    string
		content   string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.Name, &format, &content, &doc.Version, &doc.Hash, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	doc.Format = Format(format)
	doc.Content = json.RawMessage(content)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return doc, nil
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (Document, error) {
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := s.dialect.Rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", s.columns(), sqldb.QuoteIdentifier(s.tableName)))
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func (s *SQLStore) ListDocuments(ctx context.Context) ([]Document, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", s.columns(), sqldb.QuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *SQLStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc, err := prepareNew(doc, s.now())
	if err != nil {
		return Document{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, sqldb.QuoteIdentifier(s.tableName), s.columns()))
	res, err := s.db.ExecContext(ctx, query, doc.ID, doc.Name, string(doc.Format), string(doc.Content),
		doc.Version, doc.Hash, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		return Document{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Document{}, ErrExists
	}
	return doc, nil
}

func (s *SQLStore) WriteDocumentContent(ctx context.Context, id string, content json.RawMessage, hash string) (Document, error) {
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s
		SET content = ?, hash = ?, version = version + 1, updated_at = ?
		WHERE id = ?
		RETURNING %s`, sqldb.QuoteIdentifier(s.tableName), s.columns()))
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, string(content), hash, s.now().UTC().UnixNano(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

func (s *SQLStore) DeleteDocument(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqldb.OperationTimeout)
	defer cancel()
	query := s.dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", sqldb.QuoteIdentifier(s.tableName)))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
