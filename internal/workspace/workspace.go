// Package workspace implements the Workspace Manager (spec §4.1): it
// makes the logical file tree of a Session exist as a real directory tree
// under a configured root and keeps the repository and disk in sync under
// concurrent access.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/yenjordan/terminus/internal/errs"
	"github.com/yenjordan/terminus/internal/repo"
)

// ignoreNames/ignoreContains encode the ignore set (spec §4.1) as data
// rather than scattered string checks, so the rules can grow without
// touching the scan loop.
var ignoreNames = map[string]bool{
	"package.json": true,
	".npmrc":       true,
}

var ignoreContains = []string{
	"node_modules",
	".npm",
	"npm-debug",
}

func isIgnored(relPath string) bool {
	base := filepath.Base(relPath)
	if ignoreNames[base] {
		return true
	}
	if strings.HasSuffix(base, ".log") {
		return true
	}
	for _, frag := range ignoreContains {
		if strings.Contains(relPath, frag) {
			return true
		}
	}
	return false
}

// ChangeSet reports the effect of a sync or a single mutation, shared by
// SyncFromDisk and the write/delete paths so the Broker can emit the same
// file_change broadcast shape regardless of trigger (SPEC_FULL.md C.1).
type ChangeSet struct {
	Created []string
	Updated []string
	Deleted []string
}

func (c *ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Manager owns per-session directories on local disk and keeps the
// repository's CodeFile rows consistent with them.
type Manager struct {
	root  string
	store *repo.Store
}

func NewManager(root string, store *repo.Store) *Manager {
	return &Manager{root: root, store: store}
}

func (m *Manager) sessionRoot(sessionID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(sessionID, 10))
}

// resolvePath validates path per spec §4.1: it must start with "/", must
// not contain ".." components, and must resolve to a descendant of the
// session's workspace root even after symlinks are followed.
func (m *Manager) resolvePath(sessionID int64, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w: path must be absolute: %q", errs.ErrPathError, path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path contains '..': %q", errs.ErrPathError, path)
		}
	}
	path = filepath.Clean(path)

	root := m.sessionRoot(sessionID)
	full := filepath.Join(root, strings.TrimPrefix(path, "/"))

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path escapes workspace: %q", errs.ErrPathError, path)
	}

	// If the target (or an ancestor that exists) is a symlink, make sure
	// the resolved real path still lands inside root.
	if real, err := filepath.EvalSymlinks(full); err == nil {
		relReal, err := filepath.Rel(root, real)
		if err != nil || relReal == ".." || strings.HasPrefix(relReal, ".."+string(os.PathSeparator)) {
			return "", fmt.Errorf("%w: path escapes workspace via symlink: %q", errs.ErrPathError, path)
		}
	}

	return full, nil
}

// Materialize creates workspace_root/<session_id>/ if missing and writes
// every CodeFile of the session to its path, creating intermediate
// directories. Idempotent.
func (m *Manager) Materialize(ctx context.Context, sessionID int64) (string, error) {
	root := m.sessionRoot(sessionID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating workspace root: %v", errs.ErrWorkspaceError, err)
	}

	files, err := m.store.ListCodeFiles(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: listing code files: %v", errs.ErrWorkspaceError, err)
	}

	for _, f := range files {
		if isIgnored(f.Path) {
			continue
		}
		full, err := m.resolvePath(sessionID, f.Path)
		if err != nil {
			return "", err
		}
		if err := writeAtomic(full, []byte(f.Content)); err != nil {
			return "", fmt.Errorf("%w: materializing %q: %v", errs.ErrWorkspaceError, f.Path, err)
		}
	}
	return root, nil
}

// SyncFromDisk scans the workspace tree; for each discovered file not
// ignored, upserts a CodeFile row; for each CodeFile whose disk
// counterpart is absent, deletes the row. Uses content hashing so
// unchanged files produce no write (spec §4.1 sync-idempotence).
func (m *Manager) SyncFromDisk(ctx context.Context, sessionID int64) (*ChangeSet, error) {
	root := m.sessionRoot(sessionID)
	cs := &ChangeSet{}

	existing, err := m.store.ListCodeFiles(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing code files: %v", errs.ErrWorkspaceError, err)
	}
	byPath := make(map[string]*repo.CodeFile, len(existing))
	for _, f := range existing {
		byPath[f.Path] = f
	}

	onDisk := make(map[string]bool)
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		logicalPath := "/" + filepath.ToSlash(rel)
		if isIgnored(logicalPath) {
			return nil
		}
		onDisk[logicalPath] = true

		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		newHash := hashContent(content)

		if prior, ok := byPath[logicalPath]; ok {
			if hashContent([]byte(prior.Content)) == newHash {
				return nil
			}
			if _, err := m.store.UpsertCodeFile(ctx, &repo.CodeFile{
				SessionID: sessionID,
				Path:      logicalPath,
				Name:      filepath.Base(logicalPath),
				Content:   string(content),
				FileType:  fileType(logicalPath),
				SizeBytes: len(content),
			}); err != nil {
				return err
			}
			cs.Updated = append(cs.Updated, logicalPath)
			return nil
		}

		if _, err := m.store.UpsertCodeFile(ctx, &repo.CodeFile{
			SessionID: sessionID,
			Path:      logicalPath,
			Name:      filepath.Base(logicalPath),
			Content:   string(content),
			FileType:  fileType(logicalPath),
			SizeBytes: len(content),
		}); err != nil {
			return err
		}
		cs.Created = append(cs.Created, logicalPath)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking workspace: %v", errs.ErrWorkspaceError, err)
	}

	for path, f := range byPath {
		if onDisk[path] {
			continue
		}
		if err := m.store.DeleteCodeFile(ctx, sessionID, path); err != nil {
			return nil, fmt.Errorf("%w: deleting stale row %q: %v", errs.ErrWorkspaceError, path, err)
		}
		cs.Deleted = append(cs.Deleted, f.Path)
	}

	sort.Strings(cs.Created)
	sort.Strings(cs.Updated)
	sort.Strings(cs.Deleted)
	return cs, nil
}

// WriteFile atomically writes content to the workspace and upserts the
// repository row, returning the ChangeSet entry (created vs. updated).
func (m *Manager) WriteFile(ctx context.Context, sessionID int64, path, content string) (*ChangeSet, error) {
	full, err := m.resolvePath(sessionID, path)
	if err != nil {
		return nil, err
	}
	if isIgnored(path) {
		return &ChangeSet{}, nil
	}

	_, err = m.store.GetCodeFile(ctx, sessionID, path)
	kind := "updated"
	if err != nil {
		kind = "created"
	}

	if err := writeAtomic(full, []byte(content)); err != nil {
		return nil, fmt.Errorf("%w: writing %q: %v", errs.ErrWorkspaceError, path, err)
	}

	if _, err := m.store.UpsertCodeFile(ctx, &repo.CodeFile{
		SessionID: sessionID,
		Path:      path,
		Name:      filepath.Base(path),
		Content:   content,
		FileType:  fileType(path),
		SizeBytes: len(content),
	}); err != nil {
		return nil, fmt.Errorf("%w: upserting %q: %v", errs.ErrWorkspaceError, path, err)
	}

	cs := &ChangeSet{}
	if kind == "created" {
		cs.Created = []string{path}
	} else {
		cs.Updated = []string{path}
	}
	return cs, nil
}

// ReadFile returns the on-disk content at path.
func (m *Manager) ReadFile(ctx context.Context, sessionID int64, path string) (string, error) {
	full, err := m.resolvePath(sessionID, path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("%w: reading %q: %v", errs.ErrWorkspaceError, path, err)
	}
	return string(content), nil
}

// DeleteFile removes both the disk file and its repository row.
func (m *Manager) DeleteFile(ctx context.Context, sessionID int64, path string) (*ChangeSet, error) {
	full, err := m.resolvePath(sessionID, path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: removing %q: %v", errs.ErrWorkspaceError, path, err)
	}
	if err := m.store.DeleteCodeFile(ctx, sessionID, path); err != nil && err != repo.ErrNotFound {
		return nil, fmt.Errorf("%w: deleting row %q: %v", errs.ErrWorkspaceError, path, err)
	}
	return &ChangeSet{Deleted: []string{path}}, nil
}

// Cleanup removes files matching the ignore set both on disk and in the
// repository. Safe to call repeatedly. Also removes directories left
// empty by deletions (SPEC_FULL.md C.1 addition).
func (m *Manager) Cleanup(ctx context.Context, sessionID int64) error {
	root := m.sessionRoot(sessionID)

	files, err := m.store.ListCodeFiles(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: listing code files: %v", errs.ErrWorkspaceError, err)
	}
	for _, f := range files {
		if !isIgnored(f.Path) {
			continue
		}
		full, err := m.resolvePath(sessionID, f.Path)
		if err != nil {
			continue
		}
		os.Remove(full)
		m.store.DeleteCodeFile(ctx, sessionID, f.Path)
	}

	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || p == root || info == nil || !info.IsDir() {
			return nil
		}
		entries, err := os.ReadDir(p)
		if err == nil && len(entries) == 0 {
			os.Remove(p)
		}
		return nil
	})
}

func writeAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + strconv.FormatInt(int64(os.Getpid()), 10)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func fileType(path string) string {
	switch filepath.Ext(path) {
	case ".py":
		return "python"
	case ".txt", ".md":
		return "text"
	default:
		return "text"
	}
}
