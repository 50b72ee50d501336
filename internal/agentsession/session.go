// Package agentsession implements spec.md §4.3: the agent connection
// lifecycle. It spawns the configured agent subprocess, runs one
// JSON-RPC session over its stdio, fulfills the agent's filesystem and
// terminal tool calls, streams text back to an optional UI, and resolves
// to an accumulated-text-plus-stop-reason result that the run loop (in
// package runloop) drives the DAG from.
//
// Concurrency model: spec.md §4.3 requires every session-related task to
// live in a single execution context, because the underlying agent
// library's handles are not thread-safe. A Session owns exactly one
// goroutine reading the child's stdout (readLoop) and dispatches every
// inbound request/notification from that same goroutine; Run blocks the
// caller's goroutine waiting on the prompt's result channel, so no
// borrowed session state ever crosses from the read loop to a second
// concurrent caller.
package agentsession

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/RefoundAI/ralph-sub000/internal/jsonrpc"
	"github.com/RefoundAI/ralph-sub000/internal/signals"
)

// StopReason is the protocol-level termination cause of a prompt response
// (spec.md Glossary).
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopCancelled       StopReason = "cancelled"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopOther           StopReason = "other"
)

// UIHandler receives streamed session updates for presentation. Any
// method may be nil-receiver-safe to call with a nil *UIHandler; callers
// that don't attach a UI pass nil to New.
type UIHandler interface {
	OnText(chunk string)
	OnThought(chunk string)
	OnToolCall(title string)
}

// Config configures one agent session.
type Config struct {
	// Command is the full agent invocation command, parsed with POSIX
	// shell-quoting semantics (spec.md §4.3 step 1).
	Command string
	// ProjectRoot is both the working directory handed to session/new and
	// the root every tool-provider path is resolved against.
	ProjectRoot string
	// Model, Iteration, Total become RALPH_MODEL / RALPH_ITERATION /
	// RALPH_TOTAL in the child's environment (spec.md §6).
	Model     string
	Iteration int
	Total     int

	Mode              Mode
	AllowedWritePaths []string
}

// Result is what one session run reports back to the run loop.
type Result struct {
	Text          string
	FilesModified []string
	Duration      time.Duration
	StopReason    StopReason
}

// Session runs one JSON-RPC agent session per spec.md §4.3.
type Session struct {
	cfg Config
	ui  UIHandler

	child     *childProcess
	conn      *conn
	sessionID string
	terminals *terminalManager
	tools     *toolProvider

	accum strings.Builder
}

// New constructs a Session. ui may be nil.
func New(cfg Config, ui UIHandler) *Session {
	return &Session{
		cfg:       cfg,
		ui:        ui,
		terminals: newTerminalManager(),
		tools:     newToolProvider(cfg.ProjectRoot, cfg.Mode, cfg.AllowedWritePaths),
	}
}

// Run executes the full lifecycle: spawn, wire, initialize, create
// session, prompt, stream, await stop, cleanup (spec.md §4.3 steps 1-9).
// interrupt is polled at ~100ms while awaiting the prompt response; on
// interrupt, a cancel notification is sent and Run returns a Result with
// StopCancelled instead of an error.
func (s *Session) Run(ctx context.Context, prompt string, interrupt *signals.Flag) (*Result, error) {
	start := time.Now()
	defer s.cleanup()

	env := map[string]string{
		"RALPH_MODEL":     s.cfg.Model,
		"RALPH_ITERATION": fmt.Sprintf("%d", s.cfg.Iteration),
		"RALPH_TOTAL":     fmt.Sprintf("%d", s.cfg.Total),
	}
	child, err := spawnChild(ctx, s.cfg.Command, s.cfg.ProjectRoot, env)
	if err != nil {
		return nil, err
	}
	s.child = child
	s.conn = newConn(child.stdout, child.stdin)

	readErrCh := make(chan error, 1)
	go s.readLoop(ctx, readErrCh)

	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("agentsession: initialize: %w (stderr: %s)", err, child.stderrSnapshot())
	}
	if err := s.createSession(ctx); err != nil {
		return nil, fmt.Errorf("agentsession: create session: %w", err)
	}

	stopReason, err := s.promptAndAwait(ctx, prompt, interrupt)
	if err != nil {
		select {
		case readErr := <-readErrCh:
			return nil, fmt.Errorf("agentsession: prompt: %w (read loop: %v)", err, readErr)
		default:
			return nil, fmt.Errorf("agentsession: prompt: %w", err)
		}
	}

	return &Result{
		Text:          s.accum.String(),
		FilesModified: s.tools.filesModifiedList(),
		Duration:      time.Since(start),
		StopReason:    stopReason,
	}, nil
}

func (s *Session) cleanup() {
	s.terminals.killAll()
	if s.child != nil {
		s.child.kill()
	}
}

func (s *Session) initialize(ctx context.Context) error {
	resp, err := s.conn.call(ctx, methodInitialize, initializeParams{
		ClientCapabilities: clientCapabilities{
			FS:       fsCapability{Read: true, Write: s.cfg.Mode != ModeReadOnly},
			Terminal: true,
		},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

func (s *Session) createSession(ctx context.Context) error {
	resp, err := s.conn.call(ctx, methodSessionNew, sessionNewParams{WorkingDirectory: s.cfg.ProjectRoot})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	var result sessionNewResult
	if err := jsonrpc.DecodeResult(resp, &result); err != nil {
		return err
	}
	s.sessionID = result.SessionID
	return nil
}

// promptAndAwait sends session/prompt and waits for either its response or
// an interrupt. The prompt call runs in its own goroutine and hands its
// result back over a buffered channel; this goroutine selects over that
// channel and the interrupt poll.
func (s *Session) promptAndAwait(ctx context.Context, prompt string, interrupt *signals.Flag) (StopReason, error) {
	type callResult struct {
		resp *jsonrpc.Response
		err  error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		resp, err := s.conn.call(ctx, methodSessionPrompt, sessionPromptParams{
			SessionID: s.sessionID,
			Prompt:    []contentBlock{{Type: "text", Text: prompt}},
		})
		resultCh <- callResult{resp, err}
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case r := <-resultCh:
			if r.err != nil {
				return StopOther, r.err
			}
			if r.resp.Error != nil {
				return StopOther, r.resp.Error
			}
			var result sessionPromptResult
			if err := jsonrpc.DecodeResult(r.resp, &result); err != nil {
				return StopOther, err
			}
			return mapStopReason(result.StopReason), nil
		case <-ticker.C:
			if interrupt != nil && interrupt.IsSet() {
				_ = s.conn.notify(methodSessionCancel, sessionCancelParams{SessionID: s.sessionID})
				// Give the agent a moment to acknowledge the cancel and
				// resolve the prompt call on its own; if it never does,
				// cleanup() still kills the process afterward.
				select {
				case r := <-resultCh:
					_ = r // prompt resolved post-cancel; StopCancelled still wins below
				case <-time.After(3 * time.Second):
				}
				return StopCancelled, nil
			}
		case <-ctx.Done():
			return StopOther, ctx.Err()
		}
	}
}

// readLoop is the single goroutine that owns the connection's read side.
// It dispatches every inbound frame: responses go to whichever call() is
// waiting, notifications are handled inline, and requests (tool calls,
// permission requests) are fulfilled synchronously and answered.
func (s *Session) readLoop(ctx context.Context, errCh chan<- error) {
	for {
		payload, err := s.conn.readMessage()
		if err != nil {
			errCh <- err
			return
		}
		req, resp, err := parseRPCPayload(payload)
		if err != nil {
			continue
		}
		if resp != nil {
			s.conn.deliverResponse(resp)
			continue
		}
		if req == nil {
			continue
		}
		if req.IsNotification() {
			s.handleNotification(req)
			continue
		}
		reply := s.handleRequest(ctx, req)
		_ = s.conn.sendResponse(reply)
	}
}

func (s *Session) handleNotification(req *jsonrpc.Request) {
	if req.Method != methodSessionUpdate {
		return
	}
	var note sessionUpdateNotification
	if err := jsonrpc.DecodeParams(req, &note); err != nil {
		return
	}
	switch note.Update.Kind {
	case "agent_message_chunk":
		if note.Update.Content != nil {
			s.accum.WriteString(note.Update.Content.Text)
			if s.ui != nil {
				s.ui.OnText(note.Update.Content.Text)
			}
		}
	case "agent_thought_chunk":
		if note.Update.Content != nil && s.ui != nil {
			s.ui.OnThought(note.Update.Content.Text)
		}
	case "tool_call":
		if s.ui != nil {
			s.ui.OnToolCall(note.Update.Title)
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case methodReadTextFile:
		var p readTextFileParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		content, err := s.tools.readTextFile(p.Path, p.Offset, p.Limit)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
		}
		return jsonrpc.NewResponse(req.ID, readTextFileResult{Content: content})

	case methodWriteTextFile:
		var p writeTextFileParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		if err := s.tools.writeTextFile(p.Path, p.Content); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
		}
		return jsonrpc.NewResponse(req.ID, map[string]any{})

	case methodCreateTerminal:
		var p createTerminalParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		ts, err := s.terminals.create(s.cfg.ProjectRoot, p.Command)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
		}
		return jsonrpc.NewResponse(req.ID, createTerminalResult{TerminalID: ts.id})

	case methodTerminalOutput:
		var p terminalIDParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		ts, ok := s.terminals.get(p.TerminalID)
		if !ok {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("unknown terminal %q", p.TerminalID), nil)
		}
		out := ts.drainOutput()
		return jsonrpc.NewResponse(req.ID, terminalOutputResult{Output: out, Truncated: strings.HasPrefix(out, "[... truncated ...]")})

	case methodWaitForTerminalEnd:
		var p terminalIDParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		ts, ok := s.terminals.get(p.TerminalID)
		if !ok {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("unknown terminal %q", p.TerminalID), nil)
		}
		exitCode, signaled, err := ts.waitForExit(ctx)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
		}
		return jsonrpc.NewResponse(req.ID, terminalExitResult{ExitCode: exitCode, Signaled: signaled})

	case methodKillTerminal:
		var p terminalIDParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		ts, ok := s.terminals.get(p.TerminalID)
		if !ok {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("unknown terminal %q", p.TerminalID), nil)
		}
		ts.kill()
		return jsonrpc.NewResponse(req.ID, map[string]any{})

	case methodReleaseTerminal:
		var p terminalIDParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		if _, ok := s.terminals.get(p.TerminalID); !ok {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, fmt.Sprintf("unknown terminal %q", p.TerminalID), nil)
		}
		s.terminals.release(p.TerminalID)
		return jsonrpc.NewResponse(req.ID, map[string]any{})

	case methodRequestPermission:
		var p requestPermissionParams
		if err := jsonrpc.DecodeParams(req, &p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, err.Error(), nil)
		}
		outcome := s.tools.resolvePermission(p.Kind, p.Path)
		return jsonrpc.NewResponse(req.ID, requestPermissionResult{Outcome: outcome})

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("unsupported method %q", req.Method), nil)
	}
}
