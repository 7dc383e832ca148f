// Package agent spawns a coding-agent CLI as a local subprocess and
// normalizes its stdout event stream into a shared Message taxonomy, so the
// rest of the orchestrator (worktree manager, event bus, store) stays
// agent-CLI-agnostic. Backends report unrecognized wire fields through
// WarnUnknown; the normalized Messages do not carry them.
package agent

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"log/slog"
)

// Harness identifies which agent CLI produced a Message.
type Harness string

const (
	HarnessClaude Harness = "claude"
)

// Overflow holds JSON fields not mapped onto a struct. No wire record in
// this module embeds it.
type Overflow struct {
	Extra map[string]json.RawMessage `json:"-"`
}

// WarnUnknown logs once per decode when extra carries unrecognized fields.
func WarnUnknown(context string, extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slog.Warn("unknown fields in agent event", "context", context, "fields", keys)
}

// MessageType enumerates the normalized event taxonomy.
type MessageType string

const (
	MsgSystemInit MessageType = "system_init"
	MsgUser       MessageType = "user"
	MsgAssistant  MessageType = "assistant_message"
	MsgToolUse    MessageType = "tool_use"
	MsgToolResult MessageType = "tool_result"
	MsgTokenUsage MessageType = "token_usage"
	MsgResult     MessageType = "result"
	MsgError      MessageType = "error"
)

// Message is the normalized, agent-CLI-independent event shape. Every
// concrete event type below satisfies it.
type Message interface {
	Type() MessageType
}

// SystemInit is emitted once when a thread starts or resumes; ThreadID is
// the only authoritative source of thread identity in the system — nothing
// else in the orchestrator ever mints one. Raw carries the event's original
// wire bytes, when the backend captured them, for verbatim StreamEvent
// persistence/replay.
type SystemInit struct {
	ThreadID     string
	Model        string
	AgentVersion string
	Resumed      bool
	Raw          json.RawMessage
}

func (SystemInit) Type() MessageType { return MsgSystemInit }

// UserEcho is the CLI's echo of the prompt it received, persisted for
// provenance only.
type UserEcho struct {
	Content string
	Raw     json.RawMessage
}

func (UserEcho) Type() MessageType { return MsgUser }

// AssistantMessage is a chunk of the agent's natural-language response.
type AssistantMessage struct {
	Content string
	Final   bool
	Raw     json.RawMessage
}

func (AssistantMessage) Type() MessageType { return MsgAssistant }

// ToolUse is an agent-initiated tool invocation.
type ToolUse struct {
	ID       string
	ToolName string
	ArgsJSON string
	Raw      json.RawMessage
}

func (ToolUse) Type() MessageType { return MsgToolUse }

// ToolResult completes a ToolUse identified by ID. An orphaned ToolResult
// (no matching ToolUse observed, e.g. truncated stream) is still persisted
// with DurationMs left nil rather than dropped.
type ToolResult struct {
	ID      string
	Success bool
	Output  string
	Raw     json.RawMessage
}

func (ToolResult) Type() MessageType { return MsgToolResult }

// TokenUsageEvent reports cumulative token counts for the in-flight iteration.
type TokenUsageEvent struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Raw              json.RawMessage
}

func (TokenUsageEvent) Type() MessageType { return MsgTokenUsage }

// Result is the terminal event of a single agent run.
type Result struct {
	ExitCode int
	Summary  string
	Raw      json.RawMessage
}

func (Result) Type() MessageType { return MsgResult }

// ErrorEvent is a non-fatal or fatal error surfaced by the agent CLI itself
// (as opposed to a Go-level error returned from Start/Wait). The agent CLI
// has no dedicated "thread not found" event type or field — it reports the
// condition as a plain error message, so detection goes through
// IsThreadNotFound rather than a wire-level boolean.
type ErrorEvent struct {
	Message string
	Raw     json.RawMessage
}

func (ErrorEvent) Type() MessageType { return MsgError }

// IsThreadNotFound reports whether an agent error message indicates the
// resumed thread id was rejected, the trigger for the respawn-without-
// thread-id fallback (the orchestrator never pre-validates a thread id
// before use).
func IsThreadNotFound(message string) bool {
	return strings.Contains(strings.ToLower(message), "thread not found")
}

// ImageData is an inline image attached to a prompt.
type ImageData struct {
	MediaType string
	Data      string // base64-encoded
}

// Options configures one agent invocation.
type Options struct {
	Bin        string
	Args       []string
	WorkDir    string
	Prompt     string
	ThreadID   string // empty means start a fresh thread
	Model      string
	AuthCmd    string
	Token      string
	JSONLogs   bool
}

// Backend launches a coding agent CLI and normalizes its output.
type Backend interface {
	// Start spawns the agent in opts.WorkDir and streams normalized messages
	// to msgCh until the process exits or ctx is cancelled. rawLogW receives
	// each JSON object extracted from stdout, verbatim and followed by a
	// newline, for replay/debugging; stdout text outside JSON objects is not
	// copied.
	Start(ctx context.Context, opts Options, msgCh chan<- Message, rawLogW io.Writer) (*Session, error)

	// ParseLine decodes one raw stdout chunk (as isolated by the streaming
	// extractor) into zero or more normalized Messages.
	ParseLine(line []byte) ([]Message, error)

	Harness() Harness
}
