package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yenjordan/terminus/internal/auth"
	"github.com/yenjordan/terminus/internal/config"
	"github.com/yenjordan/terminus/internal/pty"
	"github.com/yenjordan/terminus/internal/registry"
	"github.com/yenjordan/terminus/internal/repo"
	"github.com/yenjordan/terminus/internal/workspace"
)

const testJWTSecret = "test-secret-at-least-32-bytes-long!"

type testHarness struct {
	server    *Server
	store     *repo.Store
	validator *auth.JWTValidator
	sessionID int64
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	st, err := repo.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, err := st.CreateSession(context.Background(), &repo.Session{UserID: "owner-1", Name: "s"})
	require.NoError(t, err)

	ws := workspace.NewManager(t.TempDir(), st)

	ptyOpts := pty.Options{
		Shell:         "/bin/sh",
		PromptLiteral: "terminuside:~# ",
		KillGrace:     200 * time.Millisecond,
		DrainDeadline: 500 * time.Millisecond,
	}
	reg := registry.New(st, ws, ptyOpts, time.Minute, time.Hour, nil)

	validator := auth.NewJWTValidator(testJWTSecret)

	cfg, err := config.Load("")
	require.NoError(t, err)

	srv := NewServer(cfg, reg, validator, st, ws, nil, nil)

	return &testHarness{server: srv, store: st, validator: validator, sessionID: sess.ID}
}

func (h *testHarness) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := h.validator.IssueForTesting(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func newTestServerHTTP(t *testing.T) (*testHarness, *httptest.Server) {
	h := newTestHarness(t)
	ts := httptest.NewServer(h.server.Handler())
	t.Cleanup(ts.Close)
	return h, ts
}
