package api

import (
	"net/http"

	"github.com/yenjordan/terminus/internal/exec"
	"github.com/yenjordan/terminus/protocol"
)

// handleExecute implements POST /api/terminal/code/execute (spec §6, C.6):
// a one-shot execution through the same Execution Engine the execute_code
// frame uses, so a Run-button press and an in-terminal execute_code frame
// behave identically.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		writeValidationError(w, "code is required")
		return
	}

	ctx := r.Context()

	if _, err := s.authenticateForSession(ctx, r, req.SessionID); err != nil {
		writeUnauthorizedError(w, err.Error())
		return
	}

	cwd, err := s.workspace.Materialize(ctx, req.SessionID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	language := req.Language
	if language == "" {
		language = "python"
	}

	cfg := s.brokerConfig()
	result, err := exec.Execute(ctx, exec.Job{
		Language: language,
		Code:     req.Code,
		Cwd:      cwd,
		Stdin:    req.InputData,
		Deadline: cfg.ExecDeadline,
	}, cfg.ExecOpts)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += result.Stderr
	}

	writeJSON(w, http.StatusOK, protocol.ExecuteResponse{
		Output:     output,
		ExitStatus: result.ExitStatus,
		DurationMs: result.DurationMs,
		TimedOut:   result.TimedOut,
	})
}
