package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testSession(userID string) *Session {
	return &Session{
		UserID:      userID,
		Name:        "scratchpad",
		Description: "a session",
		IsActive:    true,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)
	assert.NotZero(t, sess.ID)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "scratchpad", got.Name)
	assert.True(t, got.IsActive)
}

func TestGetSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsByUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)
	_, err = st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)
	_, err = st.CreateSession(ctx, testSession("user-2"))
	require.NoError(t, err)

	sessions, err := st.ListSessionsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestTouchSessionAccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)

	require.NoError(t, st.TouchSessionAccess(ctx, sess.ID))

	updated, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, updated.LastAccessedAt.After(sess.LastAccessedAt) || updated.LastAccessedAt.Equal(sess.LastAccessedAt))
}

func TestTouchSessionAccessNotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.TouchSessionAccess(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionCascadesCodeFiles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)

	_, err = st.UpsertCodeFile(ctx, &CodeFile{SessionID: sess.ID, Path: "/main.py", Name: "main.py", Content: "print(1)"})
	require.NoError(t, err)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))

	_, err = st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := st.ListCodeFiles(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUpsertCodeFileInsertThenUpdate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)

	f := &CodeFile{SessionID: sess.ID, Path: "/main.py", Name: "main.py", Content: "print(1)", FileType: "python"}
	created, err := st.UpsertCodeFile(ctx, f)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	f2 := &CodeFile{SessionID: sess.ID, Path: "/main.py", Name: "main.py", Content: "print(2)", FileType: "python"}
	updated, err := st.UpsertCodeFile(ctx, f2)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)

	files, err := st.ListCodeFiles(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "print(2)", files[0].Content)
}

func TestListCodeFilesDedupesByPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, testSession("user-1"))
	require.NoError(t, err)

	// Simulate legacy duplicate rows with the same path by inserting raw,
	// after dropping the (session_id, path) unique index that legacy data
	// predates.
	_, err = st.db.ExecContext(ctx, `DROP INDEX idx_code_files_session_path`)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx,
		`INSERT INTO code_files (session_id, path, name, content, file_type, size_bytes, created_at, updated_at)
		 VALUES (?, '/a.py', 'a.py', 'old', 'python', 3, datetime('now', '-1 hour'), datetime('now', '-1 hour'))`,
		sess.ID)
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx,
		`INSERT INTO code_files (session_id, path, name, content, file_type, size_bytes, created_at, updated_at)
		 VALUES (?, '/a.py', 'a.py', 'new', 'python', 3, datetime('now'), datetime('now'))`,
		sess.ID)
	require.NoError(t, err)

	files, err := st.ListCodeFiles(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "new", files[0].Content)
}

func TestDeleteCodeFileNotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.DeleteCodeFile(context.Background(), 1, "/nope.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCodeFileNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetCodeFile(context.Background(), 1, "/nope.py")
	assert.ErrorIs(t, err, ErrNotFound)
}
