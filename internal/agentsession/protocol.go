package agentsession

// Wire-level request/response shapes for the subset of the
// agent-client-protocol the client side needs (spec.md §6): capability
// negotiation, session creation, prompting, streaming updates, and the
// tool-fulfillment request set. Field names follow the protocol's own
// snake_case wire format.

// Method names used on the wire.
const (
	methodInitialize    = "initialize"
	methodSessionNew    = "session/new"
	methodSessionPrompt = "session/prompt"
	methodSessionCancel = "session/cancel"
	methodSessionUpdate = "session/update" // notification, agent -> client

	methodReadTextFile       = "fs/read_text_file"
	methodWriteTextFile      = "fs/write_text_file"
	methodCreateTerminal     = "terminal/create"
	methodTerminalOutput     = "terminal/output"
	methodWaitForTerminalEnd = "terminal/wait_for_exit"
	methodKillTerminal       = "terminal/kill"
	methodReleaseTerminal    = "terminal/release"
	methodRequestPermission  = "session/request_permission"
)

type fsCapability struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

type clientCapabilities struct {
	FS       fsCapability `json:"fs"`
	Terminal bool         `json:"terminal"`
}

type initializeParams struct {
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
}

type initializeResult struct {
	AgentCapabilities map[string]any `json:"agentCapabilities"`
}

type sessionNewParams struct {
	WorkingDirectory string `json:"cwd"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

// sessionPromptResult's stopReason is the wire value mapped onto StopReason
// by mapStopReason.
type sessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

type sessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// sessionUpdateNotification is the envelope for the agent's streamed
// session/update notifications: text chunks, thought chunks, and tool
// call announcements (spec.md §4.3 step 6).
type sessionUpdateNotification struct {
	SessionID string         `json:"sessionId"`
	Update    sessionUpdate  `json:"update"`
}

type sessionUpdate struct {
	Kind        string `json:"sessionUpdate"` // "agent_message_chunk" | "agent_thought_chunk" | "tool_call"
	Content     *contentBlock `json:"content,omitempty"`
	ToolCallID  string `json:"toolCallId,omitempty"`
	Title       string `json:"title,omitempty"`
}

type readTextFileParams struct {
	Path   string `json:"path"`
	Offset *int   `json:"offset,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

type readTextFileResult struct {
	Content string `json:"content"`
}

type writeTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type createTerminalParams struct {
	Command string `json:"command"`
}

type createTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

type terminalIDParams struct {
	TerminalID string `json:"terminalId"`
}

type terminalOutputResult struct {
	Output   string `json:"output"`
	Truncated bool  `json:"truncated"`
}

type terminalExitResult struct {
	ExitCode int  `json:"exitCode"`
	Signaled bool `json:"signaled"`
}

// requestPermissionParams describes the permission prompt the agent is
// asking the client to resolve. The client's decision is always
// synchronous (spec.md §4.3 permission policy never blocks on a human
// unless NormalMode were interactive, which this one-shot core never is).
type requestPermissionParams struct {
	ToolCallID string `json:"toolCallId"`
	Kind       string `json:"kind"` // "write" | "terminal" | other
	Path       string `json:"path,omitempty"`
}

type requestPermissionResult struct {
	Outcome string `json:"outcome"` // "allow" | "deny"
}

// mapStopReason maps the protocol's wire stop-reason string onto the
// internal StopReason enum. Unknown values fall through to StopOther,
// which the run loop treats as Blocked (spec.md §4.2 step 8).
func mapStopReason(wire string) StopReason {
	switch wire {
	case "end_turn", "endTurn":
		return StopEndTurn
	case "cancelled", "canceled":
		return StopCancelled
	case "max_tokens", "maxTokens":
		return StopMaxTokens
	case "max_turn_requests", "maxTurnRequests":
		return StopMaxTurnRequests
	case "refusal":
		return StopRefusal
	default:
		return StopOther
	}
}
