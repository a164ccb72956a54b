// Package protocol defines the JSON frame schema exchanged between a browser
// terminal client and the server over the session WebSocket, plus the HTTP
// execute-endpoint request/response shapes. One frame per logical message;
// unknown fields are ignored by the receiver, unknown frame types are
// rejected (see ParseClientFrame).
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientFrameType enumerates frame types a client may send.
type ClientFrameType string

const (
	ClientShellInput  ClientFrameType = "shell_input"
	ClientShellResize ClientFrameType = "shell_resize"
	ClientExecuteCode ClientFrameType = "execute_code"
	ClientInputData   ClientFrameType = "input_data"
	ClientFileChange  ClientFrameType = "file_change"
	ClientPing        ClientFrameType = "ping"
)

// ServerFrameType enumerates frame types the server may send.
type ServerFrameType string

const (
	ServerShellOutput          ServerFrameType = "shell_output"
	ServerShellConnected       ServerFrameType = "shell_connected"
	ServerShellError           ServerFrameType = "shell_error"
	ServerCodeExecutionResult  ServerFrameType = "code_execution_result"
	ServerFileChange           ServerFrameType = "file_change"
	ServerFileSyncComplete     ServerFrameType = "file_sync_complete"
	ServerInputDataReceived    ServerFrameType = "input_data_received"
	ServerPong                 ServerFrameType = "pong"
	ServerError                ServerFrameType = "error"
)

// ClientFrame is the envelope for every inbound frame. Only the fields
// relevant to Type are populated; the rest are the zero value.
type ClientFrame struct {
	Type ClientFrameType `json:"type"`

	// shell_input
	Data string `json:"data,omitempty"`

	// shell_resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// execute_code
	Code      string `json:"code,omitempty"`
	InputData string `json:"input_data,omitempty"`
	Language  string `json:"language,omitempty"`

	// input_data
	Content string `json:"content,omitempty"`

	// ping
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ParseClientFrame decodes a single inbound message and rejects unknown
// frame types rather than silently dropping them (spec §9 design note).
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case ClientShellInput, ClientShellResize, ClientExecuteCode, ClientInputData, ClientFileChange, ClientPing:
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadFrame, f.Type)
	}
}

// ErrBadFrame is returned by ParseClientFrame for an unrecognized frame type.
// The broker reports this to the client as an "error" frame with code BAD_FRAME.
var ErrBadFrame = frameError("unknown frame type")

type frameError string

func (e frameError) Error() string { return string(e) }

// ServerFrame is the envelope for every outbound frame.
type ServerFrame struct {
	Type ServerFrameType `json:"type"`

	// shell_output
	Data string `json:"data,omitempty"`

	// shell_error / error
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// code_execution_result
	Status     string `json:"status,omitempty"`
	Output     string `json:"output,omitempty"`
	ExitStatus int    `json:"exit_status,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`

	// file_change
	FilePath string `json:"file_path,omitempty"`
	Kind     string `json:"kind,omitempty"`

	// shell_connected (supplemented: initial terminal size, see SPEC_FULL.md C.7.3)
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (f ServerFrame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// File-change kinds, used both on the wire and by the workspace ChangeSet.
const (
	FileCreated ChangeKind = "created"
	FileUpdated ChangeKind = "updated"
	FileDeleted ChangeKind = "deleted"
)

type ChangeKind string

// Execution result statuses for code_execution_result frames. The HTTP
// execute endpoint response (ExecuteResponse) carries no status field.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// WebSocket close codes, per spec §6.
const (
	CloseNormal        = 1000
	CloseAuthFailed     = 4001
	CloseSessionMissing = 4002
	CloseBackpressure   = 4003
	CloseIdleTimeout    = 4004
	CloseInternalError  = 4009
)

// ExecuteRequest is the body of POST /api/terminal/code/execute.
type ExecuteRequest struct {
	Code      string `json:"code"`
	SessionID int64  `json:"session_id"`
	Language  string `json:"language"`
	InputData string `json:"input_data,omitempty"`
}

// ExecuteResponse is the response body of POST /api/terminal/code/execute.
type ExecuteResponse struct {
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	ExitStatus int    `json:"exit_status"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}
