package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

const checkpointKey = "pull_checkpoint"

// localDB is the on-device copy of every document, tombstones included.
type localDB struct {
	db *sql.DB
}

func openLocal(path string) (*localDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	l := &localDB{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *localDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			rev INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *localDB) close() error {
	return l.db.Close()
}

// put stores doc unless the stored revision is the same or newer. It reports
// whether the row changed.
func (l *localDB) put(ctx context.Context, doc Document) (bool, error) {
	body, err := encodeBody(doc.Body)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", doc.ID, err)
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO documents (id, rev, created_at, deleted, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rev = excluded.rev,
			created_at = excluded.created_at,
			deleted = excluded.deleted,
			body = excluded.body
		WHERE excluded.rev > documents.rev
	`, doc.ID, doc.Rev, doc.CreatedAt, doc.Deleted, body)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// get returns nil when the document is unknown.
func (l *localDB) get(ctx context.Context, id string) (*Document, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, rev, created_at, deleted, body FROM documents WHERE id = ?
	`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// list returns every live document.
func (l *localDB) list(ctx context.Context) ([]Document, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, rev, created_at, deleted, body FROM documents WHERE deleted = 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (l *localDB) checkpoint(ctx context.Context) (int64, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, checkpointKey).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pull checkpoint %q: %w", raw, err)
	}
	return v, nil
}

func (l *localDB) setCheckpoint(ctx context.Context, rev int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, checkpointKey, strconv.FormatInt(rev, 10))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc     Document
		deleted int
		body    string
	)
	if err := row.Scan(&doc.ID, &doc.Rev, &doc.CreatedAt, &deleted, &body); err != nil {
		return nil, err
	}
	doc.Deleted = deleted != 0
	decoded, err := decodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	doc.Body = decoded
	return &doc, nil
}
