// Package api is the HTTP/WebSocket layer: the session WebSocket upgrade
// handler, the one-shot execute endpoint, auth, and error-code mapping
// (spec §6).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yenjordan/terminus/internal/auth"
	"github.com/yenjordan/terminus/internal/bootstrap"
	"github.com/yenjordan/terminus/internal/broker"
	"github.com/yenjordan/terminus/internal/config"
	"github.com/yenjordan/terminus/internal/exec"
	"github.com/yenjordan/terminus/internal/registry"
	"github.com/yenjordan/terminus/internal/repo"
	"github.com/yenjordan/terminus/internal/workspace"
)

// Server wires the Registry, Workspace Manager, and auth Validator into an
// http.Handler, grounded on the teacher's router.go Server/NewServer/routes
// shape, re-pointed at Terminus's own services.
type Server struct {
	cfg       *config.Config
	registry  *registry.Registry
	validator auth.Validator
	store     *repo.Store
	workspace *workspace.Manager
	injector  bootstrap.Injector
	log       *slog.Logger

	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, reg *registry.Registry, validator auth.Validator, st *repo.Store, ws *workspace.Manager, injector bootstrap.Injector, log *slog.Logger) *Server {
	if injector == nil {
		injector = bootstrap.NoopInjector{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		validator: validator,
		store:     st,
		workspace: ws,
		injector:  injector,
		log:       log,
		mux:       http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/terminal/ws/{session_id}", s.handleWS)
	s.mux.HandleFunc("POST /api/terminal/code/execute", s.handleExecute)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// brokerConfig builds a broker.Config from the daemon configuration, shared
// by every connection the WS handler accepts.
func (s *Server) brokerConfig() broker.Config {
	return broker.Config{
		PingInterval:     s.cfg.PingInterval(),
		OutputBatchWin:   durationMs(s.cfg.Broker.OutputBatchMs),
		OutputBatchBytes: s.cfg.Broker.OutputBatchBytes,
		OutboundDepth:    s.cfg.Broker.OutboundQueueDepth,
		BackpressureMax:  durationMs(s.cfg.Broker.BackpressureMs),
		DetachFlush:      durationMs(s.cfg.Broker.DetachFlushMs),
		ExecDeadline:     s.cfg.ExecDeadline(),
		ExecOpts: exec.Options{
			MaxStdoutBytes: s.cfg.Exec.MaxStdoutBytes,
			MaxStderrBytes: s.cfg.Exec.MaxStderrBytes,
			KillGrace:      s.cfg.ExecKillGrace(),
		},
	}
}

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
