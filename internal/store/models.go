// Package store is the durable, transactional persistence layer for all
// spec.md §3 entities, backed by a single-file embedded SQLite database
// (modernc.org/sqlite, pure Go, no cgo — see SPEC_FULL.md §3).
package store

import "time"

// SessionStatus is the lifecycle state of a Session (spec.md §3).
type SessionStatus string

const (
	StatusIdle          SessionStatus = "idle"
	StatusRunning       SessionStatus = "running"
	StatusAwaitingInput SessionStatus = "awaitingInput"
	StatusError         SessionStatus = "error"
	StatusDone          SessionStatus = "done"
)

// SessionMode distinguishes batch ("async") from chat ("interactive") sessions.
type SessionMode string

const (
	ModeAsync       SessionMode = "async"
	ModeInteractive SessionMode = "interactive"
)

// Session is a branch-scoped unit of agent work.
type Session struct {
	ID            string
	Name          string
	InitialPrompt string
	RepoRoot      string
	BaseBranch    string
	BranchName    string
	WorktreePath  string
	Status        SessionStatus
	ScriptCommand string
	ModelOverride string
	CreatedAt     time.Time
	LastRun       *time.Time
	Notes         string
	AutoCommit    bool
	ThreadID      string
	Mode          SessionMode
}

// TestResult is the outcome of an iteration's optional script run.
type TestResult string

const (
	TestPass TestResult = "pass"
	TestFail TestResult = "fail"
	TestNone TestResult = "none"
)

// TokenUsage holds prompt/completion/total token counts.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// Iteration is one agent run within a session.
type Iteration struct {
	ID            string
	SessionID     string
	StartedAt     time.Time
	EndedAt       *time.Time
	CommitSHA     string
	FilesChanged  int
	LinesAdded    int
	LinesDeleted  int
	TestResult    TestResult
	TestExitCode  *int
	Model         string
	AgentVersion  string
	ExitCode      *int
	TokenUsage    TokenUsage
	ThreadID      string
}

// ToolCall is one tool invocation emitted by the agent.
type ToolCall struct {
	ID          string
	SessionID   string
	IterationID string
	Timestamp   time.Time
	ToolName    string
	ArgsJSON    string
	Success     bool
	DurationMs  *int64
	RawJSON     string
}

// StreamEventType enumerates the agent event taxonomy (spec.md §3).
type StreamEventType string

const (
	EventSystem       StreamEventType = "system"
	EventUser         StreamEventType = "user"
	EventAssistant    StreamEventType = "assistant"
	EventToolUse      StreamEventType = "tool_use"
	EventToolResult   StreamEventType = "tool_result"
	EventUsage        StreamEventType = "usage"
	EventResult       StreamEventType = "result"
	EventError        StreamEventType = "error"
)

// StreamEvent is a raw, ordered event for faithful replay/UI.
type StreamEvent struct {
	ID          int64 // monotonic per session
	SessionID   string
	EventType   StreamEventType
	Timestamp   time.Time
	DataJSON    string
}

// Thread is a conversation identifier owned by the agent CLI.
type Thread struct {
	ID            string
	SessionID     string
	Title         string
	CreatedAt     time.Time
	LastMessageAt time.Time
	MessageCount  int
}

// MergeResult is the outcome of a merge attempt.
type MergeResult string

const (
	MergeInProgress MergeResult = "inProgress"
	MergeSuccess    MergeResult = "success"
	MergeConflict   MergeResult = "conflict"
	MergeAborted    MergeResult = "aborted"
	MergeError      MergeResult = "error"
)

// MergeHistory is an audit record of a merge attempt.
type MergeHistory struct {
	ID             string
	SessionID      string
	StartedAt      time.Time
	FinishedAt     *time.Time
	BaseBranch     string
	Mode           string
	Result         MergeResult
	ConflictFiles  []string
	SquashMessage  string
}

// BatchRun is a scheduled batch of work.
type BatchRun struct {
	ID          string
	CreatedAt   time.Time
	DefaultsJSON string
	Concurrency int
	Status      string
}

// BatchItemStatus is the lifecycle state of a BatchItem.
type BatchItemStatus string

const (
	ItemQueued  BatchItemStatus = "queued"
	ItemRunning BatchItemStatus = "running"
	ItemSuccess BatchItemStatus = "success"
	ItemFail    BatchItemStatus = "fail"
	ItemError   BatchItemStatus = "error"
	ItemTimeout BatchItemStatus = "timeout"
	ItemAborted BatchItemStatus = "aborted"
)

// BatchItem is one unit of scheduled work within a BatchRun.
type BatchItem struct {
	ID            string
	RunID         string
	Repo          string
	Prompt        string
	Model         string
	ScriptCommand string
	TimeoutSec    int
	Status        BatchItemStatus
	StartedAt     *time.Time
	FinishedAt    *time.Time
	SessionID     string
	TokensTotal   int
	Attempt       int
}

// SessionUsageSummary aggregates token usage for one session.
type SessionUsageSummary struct {
	SessionID        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Iterations       int
}

// ModelUsageSummary aggregates token usage for one model across all sessions.
type ModelUsageSummary struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Iterations       int
}
