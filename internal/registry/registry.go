// Package registry implements the Session Registry (spec §4.5): a
// process-wide, single-writer map from session_id to its PTYSession and
// Workspace handle, reference-counted across attached connections and
// reaped after quiescence.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yenjordan/terminus/internal/errs"
	"github.com/yenjordan/terminus/internal/pty"
	"github.com/yenjordan/terminus/internal/repo"
	"github.com/yenjordan/terminus/internal/workspace"
)

// Handle is the per-session state the Registry hands out on acquire and
// lookup: the live PTYSession, the session's workspace root, and the
// bookkeeping needed to decide when it is safe to reap.
type Handle struct {
	SessionID    int64
	PTY          *pty.Session
	WorkspaceDir string

	mu           sync.Mutex
	refCount     int
	lastActivity time.Time
}

func (h *Handle) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
}

func (h *Handle) addRef() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refCount++
	h.lastActivity = time.Now()
}

func (h *Handle) removeRef() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refCount > 0 {
		h.refCount--
	}
	if h.refCount == 0 {
		h.lastActivity = time.Now()
	}
	return h.refCount
}

func (h *Handle) snapshot() (refCount int, lastActivity time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refCount, h.lastActivity
}

// Registry is the single mutator of (PTYSession, Workspace) creation and
// destruction (spec §5: "Shared-resource policy"). All mutating operations
// are serialized per session_id via a per-key mutex, grounded on the
// teacher's internal/session/manager.go sessionLock/locksMu pattern.
type Registry struct {
	store     *repo.Store
	workspace *workspace.Manager
	ptyOpts   pty.Options
	log       *slog.Logger

	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	handles  map[int64]*Handle
	idleTTL  time.Duration
	interval time.Duration
}

// New constructs a Registry. ptyOpts is the template used to spawn every
// PTYSession (shell, prompt literal, buffer sizes); idleTTL and reapInterval
// come from config.Config's Registry section.
func New(st *repo.Store, ws *workspace.Manager, ptyOpts pty.Options, idleTTL, reapInterval time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:     st,
		workspace: ws,
		ptyOpts:   ptyOpts,
		log:       log,
		locks:     make(map[int64]*sync.Mutex),
		handles:   make(map[int64]*Handle),
		idleTTL:   idleTTL,
		interval:  reapInterval,
	}
}

func (r *Registry) sessionLock(id int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	return mu
}

// Acquire creates the PTYSession and materializes the Workspace if absent,
// increments the ref-count, and updates last_activity (spec §4.5 acquire).
func (r *Registry) Acquire(ctx context.Context, sessionID int64) (*Handle, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	existing, ok := r.handles[sessionID]
	r.mu.Unlock()
	if ok {
		existing.addRef()
		return existing, nil
	}

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	workspaceDir, err := r.workspace.Materialize(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ptySession, err := pty.Spawn(sessionID, workspaceDir, r.ptyOpts, r.log)
	if err != nil {
		return nil, err
	}

	if err := r.store.TouchSessionAccess(ctx, sess.ID); err != nil {
		r.log.Warn("registry: touch session access on acquire", "session_id", sessionID, "error", err)
	}

	handle := &Handle{
		SessionID:    sessionID,
		PTY:          ptySession,
		WorkspaceDir: workspaceDir,
		refCount:     1,
		lastActivity: time.Now(),
	}

	r.mu.Lock()
	r.handles[sessionID] = handle
	r.mu.Unlock()

	r.log.Info("registry: acquired session", "session_id", sessionID)
	return handle, nil
}

// Release decrements the ref-count; reaching zero starts the quiescence
// clock but does not destroy anything immediately (spec §4.5 release).
func (r *Registry) Release(sessionID int64) {
	r.mu.Lock()
	handle, ok := r.handles[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	remaining := handle.removeRef()
	if remaining == 0 {
		r.log.Debug("registry: session quiesced", "session_id", sessionID)
	}
}

// Lookup returns the handle for an already-acquired session without
// changing its ref-count, or errs.ErrSessionNotFound if it is not loaded.
func (r *Registry) Lookup(sessionID int64) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %d not loaded", errs.ErrSessionNotFound, sessionID)
	}
	return handle, nil
}

// Touch records activity on an already-acquired session, e.g. on every
// incoming frame, so the idle reaper does not reclaim an active connection
// whose ref-count happens to be transiently zero between attach and detach.
func (r *Registry) Touch(sessionID int64) {
	r.mu.Lock()
	handle, ok := r.handles[sessionID]
	r.mu.Unlock()
	if ok {
		handle.touch()
	}
}

// Run starts the idle reaper loop (spec §4.5 Reaper). It blocks until ctx
// is cancelled. On startup it reconciles: for every Session the repository
// reports is_active=true with no in-memory PTYSession, the Registry leaves
// it absent rather than eagerly respawning a shell nobody is attached to.
func (r *Registry) Run(ctx context.Context) {
	r.log.Info("registry: reaper started", "interval", r.interval, "idle_ttl", r.idleTTL)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("registry: reaper stopped")
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	r.mu.Lock()
	candidates := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		candidates = append(candidates, h)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, h := range candidates {
		refCount, lastActivity := h.snapshot()
		if refCount != 0 {
			continue
		}
		if now.Sub(lastActivity) < r.idleTTL {
			continue
		}
		r.destroy(h)
	}
}

func (r *Registry) destroy(h *Handle) {
	lock := r.sessionLock(h.SessionID)
	lock.Lock()
	defer lock.Unlock()

	refCount, _ := h.snapshot()
	if refCount != 0 {
		return
	}

	if err := h.PTY.Kill(r.ptyOpts.KillGrace); err != nil {
		r.log.Error("registry: kill idle pty", "session_id", h.SessionID, "error", err)
	}

	r.mu.Lock()
	delete(r.handles, h.SessionID)
	delete(r.locks, h.SessionID)
	r.mu.Unlock()

	r.log.Info("registry: reaped idle session", "session_id", h.SessionID)
}

// Count reports the number of sessions currently loaded in memory, for
// diagnostics and tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
