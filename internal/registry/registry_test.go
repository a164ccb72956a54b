package registry

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yenjordan/terminus/internal/errs"
	"github.com/yenjordan/terminus/internal/pty"
	"github.com/yenjordan/terminus/internal/repo"
	"github.com/yenjordan/terminus/internal/workspace"
)

func testPTYOptions() pty.Options {
	return pty.Options{
		Shell:         "/bin/sh",
		PromptLiteral: "terminuside:~# ",
		KillGrace:     200 * time.Millisecond,
		DrainDeadline: 500 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, idleTTL, interval time.Duration) (*Registry, int64) {
	t.Helper()
	st, err := repo.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, err := st.CreateSession(context.Background(), &repo.Session{UserID: "u1", Name: "s1"})
	require.NoError(t, err)

	ws := workspace.NewManager(t.TempDir(), st)
	reg := New(st, ws, testPTYOptions(), idleTTL, interval, nil)
	return reg, sess.ID
}

func TestAcquireCreatesHandle(t *testing.T) {
	reg, sessionID := newTestRegistry(t, time.Minute, time.Hour)

	h, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)
	defer h.PTY.Kill(0)

	assert.Equal(t, sessionID, h.SessionID)
	assert.True(t, h.PTY.IsAlive())
	assert.Equal(t, 1, reg.Count())
}

func TestAcquireTwiceReturnsSameHandleAndIncrementsRef(t *testing.T) {
	reg, sessionID := newTestRegistry(t, time.Minute, time.Hour)

	h1, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)
	defer h1.PTY.Kill(0)

	h2, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	refCount, _ := h1.snapshot()
	assert.Equal(t, 2, refCount)
	assert.Equal(t, 1, reg.Count())
}

func TestLookupMissingReturnsSessionNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute, time.Hour)

	_, err := reg.Lookup(999)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestReleaseDropsRefCountToZero(t *testing.T) {
	reg, sessionID := newTestRegistry(t, time.Minute, time.Hour)

	h, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)
	defer h.PTY.Kill(0)

	reg.Release(sessionID)
	refCount, _ := h.snapshot()
	assert.Equal(t, 0, refCount)

	// Still looked up (reaper hasn't run), ref count zero but handle present.
	looked, err := reg.Lookup(sessionID)
	require.NoError(t, err)
	assert.Same(t, h, looked)
}

func TestReapIdleDestroysZeroRefExpiredSessions(t *testing.T) {
	reg, sessionID := newTestRegistry(t, 10*time.Millisecond, time.Hour)

	h, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)
	reg.Release(sessionID)

	time.Sleep(50 * time.Millisecond)
	reg.reapIdle()

	assert.Equal(t, 0, reg.Count())
	assert.False(t, h.PTY.IsAlive())

	_, err = reg.Lookup(sessionID)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestReapIdleLeavesActiveSessionsAlone(t *testing.T) {
	reg, sessionID := newTestRegistry(t, 10*time.Millisecond, time.Hour)

	h, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)
	defer h.PTY.Kill(0)

	time.Sleep(50 * time.Millisecond)
	reg.reapIdle()

	assert.Equal(t, 1, reg.Count())
	assert.True(t, h.PTY.IsAlive())
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	reg, sessionID := newTestRegistry(t, time.Minute, time.Hour)

	h, err := reg.Acquire(context.Background(), sessionID)
	require.NoError(t, err)
	defer h.PTY.Kill(0)
	reg.Release(sessionID)

	_, before := h.snapshot()
	time.Sleep(5 * time.Millisecond)
	reg.Touch(sessionID)
	_, after := h.snapshot()

	assert.True(t, after.After(before))
}

// TestAcquireReleaseConcurrentStressSinglePTYPerSession drives many
// goroutines through random Acquire/Release against one session_id and
// asserts PTY exclusivity (spec.md:260): at every instant the Registry
// backs a given session_id with at most one live pty.Session, regardless of
// how many callers race to acquire or release it concurrently.
func TestAcquireReleaseConcurrentStressSinglePTYPerSession(t *testing.T) {
	reg, sessionID := newTestRegistry(t, time.Hour, time.Hour)

	const goroutines = 50
	const itersPerGoroutine = 40

	var mu sync.Mutex
	seen := make(map[*pty.Session]bool)
	acquires, releases := 0, 0

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < itersPerGoroutine; j++ {
				h, err := reg.Acquire(context.Background(), sessionID)
				if err != nil {
					continue
				}

				mu.Lock()
				seen[h.PTY] = true
				acquires++
				mu.Unlock()

				time.Sleep(time.Duration(rnd.Intn(200)) * time.Microsecond)

				reg.Release(sessionID)
				mu.Lock()
				releases++
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	mu.Lock()
	distinctPTYs := len(seen)
	mu.Unlock()

	assert.Equal(t, 1, distinctPTYs, "session_id %d must never be backed by more than one pty.Session", sessionID)
	assert.Equal(t, acquires, releases)
	assert.Equal(t, 1, reg.Count())

	h, err := reg.Lookup(sessionID)
	require.NoError(t, err)
	refCount, _ := h.snapshot()
	assert.Equal(t, 0, refCount)
	defer h.PTY.Kill(0)
}
