// Package broker implements the Session Stream Broker (spec §4.4): it
// terminates one client connection, binds it to the Registry's PTYSession,
// multiplexes typed frames in both directions, and cleans up on close.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yenjordan/terminus/internal/exec"
	"github.com/yenjordan/terminus/internal/registry"
	"github.com/yenjordan/terminus/internal/workspace"
	"github.com/yenjordan/terminus/protocol"
)

// defaultShellInputRate caps how many bytes/sec of shell_input a single
// connection may write into its PTY, grounded on
// internal/relay/bandwidth.go's BandwidthMeter.Wait chunking pattern —
// adapted from per-user relay bandwidth to per-connection keystroke input,
// since a flooding client should not be able to starve the PTY reader.
const (
	defaultShellInputRate  = 64 * 1024
	defaultShellInputBurst = 16 * 1024
)

// executionErrorExitStatus is the deterministic, non-zero exit_status sent
// on a code_execution_result when exec.Execute itself failed (spec.md:248),
// as distinct from a process that ran and exited non-zero on its own.
const executionErrorExitStatus = -1

// Transport is the minimal surface the Broker needs from a client
// connection. WebSocketTransport wraps *websocket.Conn for production use;
// tests use a fake. Abstracting over it keeps the multiplex loop testable
// without an actual network socket, grounded on go-memsh's WebSocketIO
// wrapper around *websocket.Conn. Close takes a WebSocket close code and
// reason (spec §6) so every terminal path — backpressure, idle timeout —
// actually transmits the code to the client instead of just dropping the
// TCP connection.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close(code int, reason string) error
}

// Config carries the tunables from config.Config relevant to one connection.
type Config struct {
	PingInterval     time.Duration
	OutputBatchWin   time.Duration
	OutputBatchBytes int
	OutboundDepth    int
	BackpressureMax  time.Duration
	DetachFlush      time.Duration
	ExecDeadline     time.Duration
	ExecOpts         exec.Options
}

// Connection is one bound client↔PTYSession stream (spec §4.4 Connection
// lifecycle). Call Run after ATTACH has already happened (registry.Acquire
// was called by the caller, typically the HTTP upgrade handler in
// internal/api, which also performs AUTH).
type Connection struct {
	transport Transport
	handle    *registry.Handle
	reg       *registry.Registry
	ws        *workspace.Manager
	sessionID int64
	cfg       Config
	log       *slog.Logger

	outbound chan protocol.ServerFrame

	inputMu   sync.Mutex
	inputData string

	lastPing time.Time
	pingMu   sync.Mutex

	writeMu sync.Mutex
	done    chan struct{}
	closeOnce sync.Once

	inputLimiter *rate.Limiter
}

// New constructs a Connection bound to an already-acquired handle.
func New(transport Transport, handle *registry.Handle, reg *registry.Registry, ws *workspace.Manager, sessionID int64, cfg Config, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		transport: transport,
		handle:    handle,
		reg:       reg,
		ws:        ws,
		sessionID: sessionID,
		cfg:       cfg,
		log:       log,
		outbound:     make(chan protocol.ServerFrame, cfg.OutboundDepth),
		done:         make(chan struct{}),
		inputLimiter: rate.NewLimiter(rate.Limit(defaultShellInputRate), defaultShellInputBurst),
	}
}

// Run enters the multiplex loop and blocks until the connection closes
// (spec §4.4 step 4 RUN, step 5 DETACH). ctx cancellation or a fatal
// transport error ends the loop; Run always performs DETACH before
// returning.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.pingMu.Lock()
	c.lastPing = time.Now()
	c.pingMu.Unlock()

	if err := c.sendConnected(); err != nil {
		return err
	}

	ptyCh, ptyCancel := c.handle.PTY.Subscribe()
	defer ptyCancel()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); c.writerLoop(ctx) }()
	go func() { defer wg.Done(); c.ptyPumpLoop(ctx, ptyCh) }()
	go func() { defer wg.Done(); c.idleWatchdog(ctx, cancel) }()

	readErr := c.readerLoop(ctx, cancel)

	cancel()
	wg.Wait()
	c.detach()

	return readErr
}

func (c *Connection) sendConnected() error {
	cols, rows := c.handle.PTY.Size()
	return c.writeFrame(protocol.ServerFrame{
		Type: protocol.ServerShellConnected,
		Cols: cols,
		Rows: rows,
	})
}

// readerLoop services Client→Server frames (spec §4.4 table). Each
// execute_code/file_change handler runs as its own goroutine so a slow
// execution never blocks subsequent short frames like ping, matching
// spec §5's ordering requirement.
func (c *Connection) readerLoop(ctx context.Context, cancel context.CancelFunc) error {
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.ParseClientFrame(raw)
		if err != nil {
			c.enqueue(protocol.ServerFrame{Type: protocol.ServerError, Code: "BAD_FRAME", Message: err.Error()})
			continue
		}

		c.reg.Touch(c.sessionID)

		switch frame.Type {
		case protocol.ClientPing:
			c.handlePing(frame)
		case protocol.ClientShellInput:
			c.handleShellInput(ctx, frame)
		case protocol.ClientShellResize:
			c.handleShellResize(frame)
		case protocol.ClientInputData:
			c.handleInputData(frame)
		case protocol.ClientExecuteCode:
			handlers.Add(1)
			go func(f *protocol.ClientFrame) {
				defer handlers.Done()
				c.handleExecuteCode(ctx, f)
			}(frame)
		case protocol.ClientFileChange:
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				c.handleFileChange(ctx)
			}()
		}
	}
}

func (c *Connection) handlePing(frame *protocol.ClientFrame) {
	c.pingMu.Lock()
	c.lastPing = time.Now()
	c.pingMu.Unlock()
	c.enqueue(protocol.ServerFrame{Type: protocol.ServerPong, Timestamp: frame.Timestamp})
}

func (c *Connection) handleShellInput(ctx context.Context, frame *protocol.ClientFrame) {
	data := []byte(frame.Data)
	if err := c.waitInputRate(ctx, len(data)); err != nil {
		return
	}
	if err := c.handle.PTY.Write(data); err != nil {
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerShellError, Error: err.Error()})
	}
}

// waitInputRate throttles shell_input bytes per connection, chunking
// writes larger than the burst so WaitN never rejects outright.
func (c *Connection) waitInputRate(ctx context.Context, n int) error {
	burst := c.inputLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.inputLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (c *Connection) handleShellResize(frame *protocol.ClientFrame) {
	if frame.Cols <= 0 || frame.Rows <= 0 {
		return
	}
	if err := c.handle.PTY.Resize(frame.Cols, frame.Rows); err != nil {
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerShellError, Error: err.Error()})
	}
}

// handleInputData stores content as the single-slot stdin for the next
// execute_code (spec §4.4: "next execute_code" is unambiguous only as a
// single per-connection slot, overwritten by each new frame).
func (c *Connection) handleInputData(frame *protocol.ClientFrame) {
	c.inputMu.Lock()
	c.inputData = frame.Content
	c.inputMu.Unlock()
	c.enqueue(protocol.ServerFrame{Type: protocol.ServerInputDataReceived})
}

func (c *Connection) takeInputData() string {
	c.inputMu.Lock()
	defer c.inputMu.Unlock()
	data := c.inputData
	c.inputData = ""
	return data
}

func (c *Connection) handleExecuteCode(ctx context.Context, frame *protocol.ClientFrame) {
	stdin := frame.InputData
	if stdin == "" {
		stdin = c.takeInputData()
	}

	language := frame.Language
	if language == "" {
		language = "python"
	}

	deadline := c.cfg.ExecDeadline
	if deadline == 0 {
		deadline = 10 * time.Second
	}

	result, err := exec.Execute(ctx, exec.Job{
		Language: language,
		Code:     frame.Code,
		Cwd:      c.handle.WorkspaceDir,
		Stdin:    stdin,
		Deadline: deadline,
	}, c.cfg.ExecOpts)
	if err != nil {
		// exec.Execute failed before a process could even be started (e.g.
		// unsupported language) — spec.md:248 requires a non-zero exit_status
		// on every code_execution_result error, not just the zero value a
		// missing Result would otherwise leave it at.
		c.enqueue(protocol.ServerFrame{
			Type:       protocol.ServerCodeExecutionResult,
			Status:     protocol.StatusError,
			Error:      err.Error(),
			ExitStatus: executionErrorExitStatus,
		})
		return
	}

	status := protocol.StatusOK
	if result.TimedOut {
		status = protocol.StatusTimeout
	} else if result.ExitStatus != 0 {
		status = protocol.StatusError
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += result.Stderr
	}

	c.enqueue(protocol.ServerFrame{
		Type:       protocol.ServerCodeExecutionResult,
		Status:     status,
		Output:     output,
		ExitStatus: result.ExitStatus,
		DurationMs: result.DurationMs,
		TimedOut:   result.TimedOut,
	})
}

func (c *Connection) handleFileChange(ctx context.Context) {
	changes, err := c.ws.SyncFromDisk(ctx, c.sessionID)
	if err != nil {
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerError, Code: "SYNC_FAILED", Message: err.Error()})
		return
	}

	c.enqueue(protocol.ServerFrame{Type: protocol.ServerFileSyncComplete, Message: "sync complete"})

	if changes.Empty() {
		return
	}
	for _, p := range changes.Created {
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerFileChange, FilePath: p, Kind: string(protocol.FileCreated)})
	}
	for _, p := range changes.Updated {
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerFileChange, FilePath: p, Kind: string(protocol.FileUpdated)})
	}
	for _, p := range changes.Deleted {
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerFileChange, FilePath: p, Kind: string(protocol.FileDeleted)})
	}
}

// ptyPumpLoop fans PTY output into shell_output frames (spec §4.4
// Ordering guarantees: at most 16ms/4KiB batching windows).
func (c *Connection) ptyPumpLoop(ctx context.Context, ptyCh <-chan []byte) {
	win := c.cfg.OutputBatchWin
	if win == 0 {
		win = 16 * time.Millisecond
	}
	maxBytes := c.cfg.OutputBatchBytes
	if maxBytes == 0 {
		maxBytes = 4096
	}

	ticker := time.NewTicker(win)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		c.enqueue(protocol.ServerFrame{Type: protocol.ServerShellOutput, Data: string(pending)})
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case chunk, ok := <-ptyCh:
			if !ok {
				flush()
				return
			}
			pending = append(pending, chunk...)
			if len(pending) >= maxBytes {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// enqueue appends a frame to the outbound queue and applies the
// coalesce-on-backpressure policy itself when the queue is full (spec §5
// Backpressure); writerLoop only writes queued frames to the transport.
func (c *Connection) enqueue(frame protocol.ServerFrame) {
	select {
	case c.outbound <- frame:
		return
	default:
	}

	// Queue full: for shell_output, coalesce with the last queued frame of
	// the same type by draining one and concatenating; for everything else
	// block briefly since other frame types must never be dropped.
	if frame.Type == protocol.ServerShellOutput {
		select {
		case old := <-c.outbound:
			if old.Type == protocol.ServerShellOutput {
				frame.Data = old.Data + frame.Data
			} else {
				c.blockingSend(old)
			}
		default:
		}
		select {
		case c.outbound <- frame:
		default:
		}
		return
	}

	c.blockingSend(frame)
}

func (c *Connection) blockingSend(frame protocol.ServerFrame) {
	max := c.cfg.BackpressureMax
	if max == 0 {
		max = time.Second
	}
	select {
	case c.outbound <- frame:
	case <-time.After(max):
		c.closeWithCode(protocol.CloseBackpressure, "BACKPRESSURE")
	}
}

func (c *Connection) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbound:
			if err := c.writeFrame(frame); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeFrame(frame protocol.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(1, data) // websocket.TextMessage == 1
}

// idleWatchdog closes the connection if no ping arrives within
// 2×PingInterval of the last one seen (spec §4.4 Heartbeat).
func (c *Connection) idleWatchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := c.cfg.PingInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pingMu.Lock()
			silence := time.Since(c.lastPing)
			c.pingMu.Unlock()
			if silence > 2*interval {
				c.closeWithCode(protocol.CloseIdleTimeout, "IDLE_TIMEOUT")
				cancel()
				return
			}
		}
	}
}

func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.log.Warn("broker: closing connection", "session_id", c.sessionID, "code", code, "reason", reason)
		c.transport.Close(code, reason)
	})
}

// detach performs spec §4.4 step 5: decrement ref-count, flush the
// outbound queue for up to DetachFlush, then release.
func (c *Connection) detach() {
	flush := c.cfg.DetachFlush
	if flush == 0 {
		flush = 200 * time.Millisecond
	}
	deadline := time.After(flush)
drain:
	for {
		select {
		case frame := <-c.outbound:
			if c.writeFrame(frame) != nil {
				break drain
			}
		case <-deadline:
			break drain
		default:
			break drain
		}
	}
	c.reg.Release(c.sessionID)
	close(c.done)
}

// Done reports when this connection has fully detached.
func (c *Connection) Done() <-chan struct{} { return c.done }
