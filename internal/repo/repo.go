// Package repo is a concrete, pure-Go sqlite implementation of the
// persistence layer spec.md treats as an out-of-scope external collaborator
// (spec §1, §3): a relational store holding Session and CodeFile rows,
// exposed as simple CRUD. The Workspace Manager synchronizes against this
// interface; nothing else in the module depends on sqlite directly.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("repo: not found")

// Session mirrors spec §3's Session entity.
type Session struct {
	ID             int64
	UserID         string
	Name           string
	Description    string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// CodeFile mirrors spec §3's CodeFile entity. Path is absolute within the
// session root and '/'-separated; Name equals the last path segment.
type CodeFile struct {
	ID        int64
	SessionID int64
	Path      string
	Name      string
	Content   string
	FileType  string
	SizeBytes int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff,
// following the teacher's single-writer sqlite discipline.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id           TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	is_active         INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	last_accessed_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);

CREATE TABLE IF NOT EXISTS code_files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL,
	path        TEXT NOT NULL,
	name        TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	file_type   TEXT NOT NULL DEFAULT '',
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_code_files_session_id ON code_files(session_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_code_files_session_path ON code_files(session_id, path);
`

func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// DefaultMaxOpenConns matches the teacher's pool sizing for WAL mode:
// several readers, one effective writer.
const DefaultMaxOpenConns = 4

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.ExecContext(context.Background(), createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Session CRUD ---

func (s *Store) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt, sess.LastAccessedAt = now, now, now
	var id int64
	err := retryOnBusy(func() error {
		res, e := s.db.ExecContext(ctx,
			`INSERT INTO sessions (user_id, name, description, is_active, created_at, updated_at, last_accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.UserID, sess.Name, sess.Description, boolToInt(sess.IsActive), sess.CreatedAt, sess.UpdatedAt, sess.LastAccessedAt,
		)
		if e != nil {
			return e
		}
		id, e = res.LastInsertId()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	sess.ID = id
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, is_active, created_at, updated_at, last_accessed_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, is_active, created_at, updated_at, last_accessed_at
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) TouchSessionAccess(ctx context.Context, id int64) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx,
			`UPDATE sessions SET last_accessed_at = ?, updated_at = ? WHERE id = ?`,
			time.Now().UTC(), time.Now().UTC(), id)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return checkRowAffected(result)
}

func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		_, e = s.db.ExecContext(ctx, `DELETE FROM code_files WHERE session_id = ?`, id)
		if e != nil {
			return e
		}
		result, e = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result)
}

// --- CodeFile CRUD ---

// UpsertCodeFile inserts or updates the (session_id, path) row, matching
// spec §3's uniqueness invariant.
func (s *Store) UpsertCodeFile(ctx context.Context, f *CodeFile) (*CodeFile, error) {
	now := time.Now().UTC()
	err := retryOnBusy(func() error {
		existing, e := s.getCodeFileByPath(ctx, f.SessionID, f.Path)
		if e != nil && !errors.Is(e, ErrNotFound) {
			return e
		}
		if existing != nil {
			f.ID, f.CreatedAt = existing.ID, existing.CreatedAt
			f.UpdatedAt = now
			_, e = s.db.ExecContext(ctx,
				`UPDATE code_files SET name=?, content=?, file_type=?, size_bytes=?, updated_at=? WHERE id=?`,
				f.Name, f.Content, f.FileType, f.SizeBytes, f.UpdatedAt, f.ID)
			return e
		}
		f.CreatedAt, f.UpdatedAt = now, now
		res, e := s.db.ExecContext(ctx,
			`INSERT INTO code_files (session_id, path, name, content, file_type, size_bytes, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.SessionID, f.Path, f.Name, f.Content, f.FileType, f.SizeBytes, f.CreatedAt, f.UpdatedAt)
		if e != nil {
			return e
		}
		f.ID, e = res.LastInsertId()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("upserting code file: %w", err)
	}
	return f, nil
}

func (s *Store) getCodeFileByPath(ctx context.Context, sessionID int64, path string) (*CodeFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, path, name, content, file_type, size_bytes, created_at, updated_at
		 FROM code_files WHERE session_id = ? AND path = ?`, sessionID, path)
	return scanCodeFile(row)
}

func (s *Store) GetCodeFile(ctx context.Context, sessionID int64, path string) (*CodeFile, error) {
	return s.getCodeFileByPath(ctx, sessionID, path)
}

// ListCodeFiles returns every CodeFile for a session, de-duplicated per
// path keeping only the one with the greatest updated_at (spec §4.1
// de-duplication rule for legacy data).
func (s *Store) ListCodeFiles(ctx context.Context, sessionID int64) ([]*CodeFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, path, name, content, file_type, size_bytes, created_at, updated_at
		 FROM code_files WHERE session_id = ? ORDER BY path, updated_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing code files: %w", err)
	}
	defer rows.Close()

	all, err := scanCodeFiles(rows)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(all))
	deduped := make([]*CodeFile, 0, len(all))
	for _, f := range all {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		deduped = append(deduped, f)
	}
	return deduped, nil
}

func (s *Store) DeleteCodeFile(ctx context.Context, sessionID int64, path string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx,
			`DELETE FROM code_files WHERE session_id = ? AND path = ?`, sessionID, path)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting code file: %w", err)
	}
	return checkRowAffected(result)
}

// --- scanning helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var isActive int
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.Description, &isActive,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.IsActive = isActive != 0
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanCodeFile(row scannable) (*CodeFile, error) {
	var f CodeFile
	err := row.Scan(&f.ID, &f.SessionID, &f.Path, &f.Name, &f.Content, &f.FileType, &f.SizeBytes,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning code file: %w", err)
	}
	return &f, nil
}

func scanCodeFiles(rows *sql.Rows) ([]*CodeFile, error) {
	var out []*CodeFile
	for rows.Next() {
		f, err := scanCodeFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func checkRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
