package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rohmanhakim/offline-cache/internal/cache/migrations"
	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/metadata"
	"github.com/rohmanhakim/offline-cache/pkg/failure"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStorage keeps every bucket of a controller in one SQLite database.
// Bucket deletion cascades to its entries. A bucket handle is bound to the
// row id it was opened with, so it never writes into a bucket that was
// deleted and opened again under the same name.
type SQLiteStorage struct {
	sqlDB        *sql.DB
	path         string
	metadataSink metadata.MetadataSink
}

// OpenSQLiteStorage opens (or creates) the database at path and applies
// the embedded migrations. Use ":memory:" for a throwaway database.
func OpenSQLiteStorage(path string, metadataSink metadata.MetadataSink) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := path
	if path != ":memory:" {
		cleanPath = filepath.Clean(path)
	}
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStorage{
		sqlDB:        sqlDB,
		path:         cleanPath,
		metadataSink: metadataSink,
	}, nil
}

// Close closes the underlying SQLite database.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, failure.ClassifiedError) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := canceled(ctx, name); err != nil {
		return nil, err
	}

	created, err := ensureBucket(ctx, s.sqlDB, name)
	if err != nil {
		return nil, s.fail("SQLiteStorage.Open", classifySQLError(err, ErrCauseWriteFailure, name))
	}
	var id int64
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT id FROM buckets WHERE name = ?", name).Scan(&id); err != nil {
		return nil, s.fail("SQLiteStorage.Open", classifySQLError(err, ErrCauseReadFailure, name))
	}
	if created {
		s.metadataSink.RecordArtifact(metadata.ArtifactBucket, s.path, []metadata.Attribute{
			metadata.NewAttr(metadata.AttrBucket, name),
		})
	}
	return &SQLiteBucket{name: name, id: id, storage: s}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := canceled(ctx, name); err != nil {
		return false, err
	}

	var found int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, classifySQLError(err, ErrCauseReadFailure, name)
	}
	return true, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := canceled(ctx, ""); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT name FROM buckets ORDER BY id")
	if err != nil {
		return nil, classifySQLError(err, ErrCauseReadFailure, "")
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifySQLError(err, ErrCauseReadFailure, "")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err, ErrCauseReadFailure, "")
	}
	return names, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := canceled(ctx, name); err != nil {
		return false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, s.fail("SQLiteStorage.Delete", classifySQLError(err, ErrCauseDeleteFailure, name))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE bucket_id = (SELECT id FROM buckets WHERE name = ?)", name,
	); err != nil {
		return false, s.fail("SQLiteStorage.Delete", classifySQLError(err, ErrCauseDeleteFailure, name))
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, s.fail("SQLiteStorage.Delete", classifySQLError(err, ErrCauseDeleteFailure, name))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, s.fail("SQLiteStorage.Delete", classifySQLError(err, ErrCauseDeleteFailure, name))
	}
	if err := tx.Commit(); err != nil {
		return false, s.fail("SQLiteStorage.Delete", classifySQLError(err, ErrCauseDeleteFailure, name))
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) fail(action string, err *CacheError) *CacheError {
	s.metadataSink.RecordError(
		time.Now(),
		"cache",
		action,
		mapCacheErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrBucket, err.Bucket),
		},
	)
	return err
}

func ensureBucket(ctx context.Context, db *sql.DB, name string) (bool, error) {
	result, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type SQLiteBucket struct {
	name    string
	id      int64
	storage *SQLiteStorage
}

func (b *SQLiteBucket) Name() string {
	return b.name
}

func (b *SQLiteBucket) Match(ctx context.Context, key string) (fetcher.Response, bool, failure.ClassifiedError) {
	if err := canceled(ctx, b.name); err != nil {
		return fetcher.Response{}, false, err
	}

	var (
		rawUrl    string
		status    int
		rawHeader string
		body      []byte
	)
	err := b.storage.sqlDB.QueryRowContext(ctx, `
SELECT url, status, header, body
FROM entries
WHERE bucket_id = ? AND cache_key = ?`,
		b.id, key,
	).Scan(&rawUrl, &status, &rawHeader, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fetcher.Response{}, false, nil
		}
		return fetcher.Response{}, false, classifySQLError(err, ErrCauseReadFailure, b.name)
	}

	responseUrl, err := url.Parse(rawUrl)
	if err != nil {
		return fetcher.Response{}, false, &CacheError{Message: err.Error(), Cause: ErrCauseCorruptEntry, Bucket: b.name}
	}
	var header http.Header
	if err := json.Unmarshal([]byte(rawHeader), &header); err != nil {
		return fetcher.Response{}, false, &CacheError{Message: err.Error(), Cause: ErrCauseCorruptEntry, Bucket: b.name}
	}
	return fetcher.NewResponse(*responseUrl, status, header, body), true, nil
}

func (b *SQLiteBucket) Put(ctx context.Context, key string, response fetcher.Response) failure.ClassifiedError {
	return b.PutAll(ctx, []Entry{{Key: key, Response: response}})
}

// PutAll writes every entry inside one transaction.
func (b *SQLiteBucket) PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError {
	if err := canceled(ctx, b.name); err != nil {
		return err
	}

	tx, err := b.storage.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return b.storage.fail("SQLiteBucket.PutAll", classifySQLError(err, ErrCauseWriteFailure, b.name))
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE id = ?", b.id).Scan(&live); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b.storage.fail("SQLiteBucket.PutAll", bucketDeleted(b.name))
		}
		return b.storage.fail("SQLiteBucket.PutAll", classifySQLError(err, ErrCauseReadFailure, b.name))
	}

	storedAt := time.Now().UTC().UnixMilli()
	for _, entry := range entries {
		header, err := json.Marshal(entry.Response.Header())
		if err != nil {
			return &CacheError{Message: err.Error(), Cause: ErrCauseWriteFailure, Bucket: b.name}
		}
		body := entry.Response.Body()
		if body == nil {
			body = []byte{}
		}
		responseUrl := entry.Response.URL()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries (bucket_id, cache_key, url, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (bucket_id, cache_key) DO UPDATE SET
    url = excluded.url,
    status = excluded.status,
    header = excluded.header,
    body = excluded.body,
    stored_at = excluded.stored_at`,
			b.id, entry.Key, responseUrl.String(), entry.Response.StatusCode(), string(header), body, storedAt,
		); err != nil {
			return b.storage.fail("SQLiteBucket.PutAll", classifySQLError(err, ErrCauseWriteFailure, b.name))
		}
	}

	if err := tx.Commit(); err != nil {
		return b.storage.fail("SQLiteBucket.PutAll", classifySQLError(err, ErrCauseWriteFailure, b.name))
	}

	for _, entry := range entries {
		b.storage.metadataSink.RecordArtifact(metadata.ArtifactEntry, b.storage.path, []metadata.Attribute{
			metadata.NewAttr(metadata.AttrBucket, b.name),
			metadata.NewAttr(metadata.AttrURL, entry.Key),
		})
	}
	return nil
}

func (b *SQLiteBucket) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := canceled(ctx, b.name); err != nil {
		return nil, err
	}

	rows, err := b.storage.sqlDB.QueryContext(ctx, `
SELECT cache_key
FROM entries
WHERE bucket_id = ?
ORDER BY cache_key`,
		b.id,
	)
	if err != nil {
		return nil, classifySQLError(err, ErrCauseReadFailure, b.name)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classifySQLError(err, ErrCauseReadFailure, b.name)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err, ErrCauseReadFailure, b.name)
	}
	return keys, nil
}

func classifySQLError(err error, cause CacheErrorCause, bucket string) *CacheError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CacheError{Message: err.Error(), Retryable: true, Cause: ErrCauseCanceled, Bucket: bucket}
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_FULL:
			return &CacheError{Message: err.Error(), Retryable: true, Cause: ErrCauseQuotaExceeded, Bucket: bucket}
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return &CacheError{Message: err.Error(), Retryable: true, Cause: cause, Bucket: bucket}
		case sqlite3lib.SQLITE_CORRUPT:
			return &CacheError{Message: err.Error(), Cause: ErrCauseCorruptEntry, Bucket: bucket}
		}
	}
	return &CacheError{Message: err.Error(), Cause: cause, Bucket: bucket}
}
