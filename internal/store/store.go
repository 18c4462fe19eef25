// Package store persists sources, records and fetch state in sqlite and
// defines the gateway interface the orchestrator runs against.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

// Gateway is the narrow persistence surface the orchestrator depends on.
type Gateway interface {
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	InsertPost(ctx context.Context, p *record.Post) (int64, error)
	ListActiveSources(ctx context.Context) ([]source.Source, error)
	GetFetchState(ctx context.Context, sourceID int64) (*source.FetchState, error)
	SetFetchState(ctx context.Context, sourceID int64, st source.FetchState) error
	SetSourceStatus(ctx context.Context, sourceID int64, status string) error
}

// StorageError wraps any gateway failure. The orchestrator treats it as a
// per-source run failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is the sqlite-backed Gateway.
type Store struct {
	db *sql.DB
}

var _ Gateway = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSource syncs one configured source into the catalog, keyed by
// (kind, identifier). Status and fetch state survive config reloads.
func (s *Store) UpsertSource(ctx context.Context, src source.Source) (int64, error) {
	settings, err := encodeJSON(src.Settings)
	if err != nil {
		return 0, &StorageError{Op: "encode settings", Err: err}
	}

	now := formatTime(time.Now())
	status := src.Status
	if status == "" {
		status = source.StatusActive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (kind, identifier, name, settings, active, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, identifier) DO UPDATE SET
			name = excluded.name,
			settings = excluded.settings,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, string(src.Kind), src.Identifier, src.Name, settings, boolInt(src.Active), status, now, now)
	if err != nil {
		return 0, &StorageError{Op: "upsert source", Err: err}
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM sources WHERE kind = ? AND identifier = ?",
		string(src.Kind), src.Identifier,
	).Scan(&id)
	if err != nil {
		return 0, &StorageError{Op: "read source id", Err: err}
	}
	return id, nil
}

// ListActiveSources returns sources with the active flag set.
func (s *Store) ListActiveSources(ctx context.Context) ([]source.Source, error) {
	return s.listSources(ctx, "WHERE active = 1")
}

// ListSources returns the whole catalog, for reporting.
func (s *Store) ListSources(ctx context.Context) ([]source.Source, error) {
	return s.listSources(ctx, "")
}

func (s *Store) listSources(ctx context.Context, where string) ([]source.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, identifier, name, settings, active, status, created_at, updated_at
		FROM sources `+where+` ORDER BY id`)
	if err != nil {
		return nil, &StorageError{Op: "list sources", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var sources []source.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan source", Err: err}
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate sources", Err: err}
	}
	return sources, nil
}

// SetSourceStatus updates the operational status flag of one source.
func (s *Store) SetSourceStatus(ctx context.Context, sourceID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sources SET status = ?, updated_at = ? WHERE id = ?",
		status, formatTime(time.Now()), sourceID)
	if err != nil {
		return &StorageError{Op: "set source status", Err: err}
	}
	return nil
}

// ExistsByHash reports whether a record with the given dedup hash is already
// persisted.
func (s *Store) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM posts WHERE content_hash = ?", hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "exists by hash", Err: err}
	}
	return true, nil
}

// InsertPost persists one new record and returns its assigned id. IngestedAt
// defaults to now when the connector left it zero.
func (s *Store) InsertPost(ctx context.Context, p *record.Post) (int64, error) {
	metadata, err := encodeJSON(p.Metadata)
	if err != nil {
		return 0, &StorageError{Op: "encode metadata", Err: err}
	}

	ingestedAt := p.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (source_id, title, content, url, source_guid, content_hash, published_at, ingested_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.SourceID,
		p.Title,
		p.Content,
		nullString(p.URL),
		nullString(p.SourceGUID),
		p.ContentHash,
		nullTime(p.PublishedAt),
		formatTime(ingestedAt),
		metadata,
	)
	if err != nil {
		return 0, &StorageError{Op: "insert post", Err: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "read insert id", Err: err}
	}
	return id, nil
}

// GetFetchState returns the source's checkpoint, or nil before the first
// successful run.
func (s *Store) GetFetchState(ctx context.Context, sourceID int64) (*source.FetchState, error) {
	var (
		lastFetchAt string
		lastSeenID  sql.NullString
		metaVal     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT last_fetch_at, last_seen_id, meta FROM fetch_state WHERE source_id = ?",
		sourceID,
	).Scan(&lastFetchAt, &lastSeenID, &metaVal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get fetch state", Err: err}
	}

	st := &source.FetchState{LastSeenID: lastSeenID.String}
	st.LastFetchAt, err = parseTime(lastFetchAt)
	if err != nil {
		return nil, &StorageError{Op: "parse last_fetch_at", Err: err}
	}
	if metaVal.Valid && metaVal.String != "" {
		if err := json.Unmarshal([]byte(metaVal.String), &st.Meta); err != nil {
			return nil, &StorageError{Op: "decode fetch state meta", Err: err}
		}
	}
	return st, nil
}

// SetFetchState writes the source's checkpoint, replacing any previous one.
func (s *Store) SetFetchState(ctx context.Context, sourceID int64, st source.FetchState) error {
	meta, err := encodeJSON(st.Meta)
	if err != nil {
		return &StorageError{Op: "encode fetch state meta", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fetch_state (source_id, last_fetch_at, last_seen_id, meta)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			last_fetch_at = excluded.last_fetch_at,
			last_seen_id = excluded.last_seen_id,
			meta = excluded.meta
	`, sourceID, formatTime(st.LastFetchAt), nullString(st.LastSeenID), meta)
	if err != nil {
		return &StorageError{Op: "set fetch state", Err: err}
	}
	return nil
}

// PruneOld deletes posts older than retainDays. Returns the number removed.
func (s *Store) PruneOld(ctx context.Context, retainDays int) (int64, error) {
	if retainDays <= 0 {
		return 0, nil
	}

	cutoff := formatTime(time.Now().AddDate(0, 0, -retainDays))
	res, err := s.db.ExecContext(ctx, "DELETE FROM posts WHERE ingested_at < ?", cutoff)
	if err != nil {
		return 0, &StorageError{Op: "prune old posts", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(scanner rowScanner) (source.Source, error) {
	var (
		src                  source.Source
		kind                 string
		settingsVal          sql.NullString
		active               int
		createdAt, updatedAt string
	)
	if err := scanner.Scan(
		&src.ID, &kind, &src.Identifier, &src.Name, &settingsVal, &active, &src.Status, &createdAt, &updatedAt,
	); err != nil {
		return source.Source{}, fmt.Errorf("scan source: %w", err)
	}

	parsed, err := source.ParseKind(kind)
	if err != nil {
		return source.Source{}, err
	}
	src.Kind = parsed
	src.Active = active != 0

	if settingsVal.Valid && settingsVal.String != "" {
		if err := json.Unmarshal([]byte(settingsVal.String), &src.Settings); err != nil {
			return source.Source{}, fmt.Errorf("decode settings: %w", err)
		}
	}

	src.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return source.Source{}, fmt.Errorf("parse created_at: %w", err)
	}
	src.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return source.Source{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return src, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
