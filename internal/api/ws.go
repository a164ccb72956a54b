package api

import (
	"net/http"
	"strconv"

	"github.com/yenjordan/terminus/internal/broker"
)

// handleWS implements the Session Stream Broker's connection lifecycle
// (spec §4.4 ACCEPT → AUTH → ATTACH → RUN → DETACH). ACCEPT and AUTH happen
// here, before the WebSocket upgrade so a rejected connection never
// completes the handshake; ATTACH acquires the Registry handle; RUN and
// DETACH are delegated to broker.Connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(r.PathValue("session_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	claims, err := s.authenticateForSession(ctx, r, sessionID)
	if err != nil {
		writeUnauthorizedError(w, err.Error())
		return
	}

	handle, err := s.registry.Acquire(ctx, sessionID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.injector.InjectMainFile(ctx, sessionID, claims.Role); err != nil {
		s.log.Warn("bootstrap injector failed", "session_id", sessionID, "error", err)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Release(sessionID)
		s.log.Warn("ws upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	c := broker.New(broker.NewWebSocketTransport(conn), handle, s.registry, s.workspace, sessionID, s.brokerConfig(), s.log)

	if err := c.Run(ctx); err != nil {
		s.log.Debug("connection ended", "session_id", sessionID, "error", err)
	}
}
