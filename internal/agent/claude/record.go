// Package claude decodes the default agent CLI's JSON event stream into the
// shared agent.Message taxonomy. Top-level fields a record struct does not
// map are collected by decodeKnown; for the system init event they are
// logged once via agent.WarnUnknown, and for every other event type they are
// discarded. The records below do not carry an Overflow map.
package claude

import "encoding/json"

// eventEnvelope is the outer shape every event shares: a type discriminator
// plus type-specific fields decoded lazily via json.RawMessage.
type eventEnvelope struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

type systemInitRecord struct {
	ThreadID     string `json:"thread_id"`
	Model        string `json:"model"`
	AgentVersion string `json:"agent_version"`
	Resumed      bool   `json:"resumed"`
}

type userRecord struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type assistantRecord struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Final bool `json:"final"`
}

type toolUseRecord struct {
	ID       string          `json:"id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
}

type toolResultRecord struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

type usageRecord struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type resultRecord struct {
	ExitCode int    `json:"exit_code"`
	Summary  string `json:"summary"`
}

type errorRecord struct {
	Message string `json:"message"`
}
