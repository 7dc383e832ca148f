// Package config centralizes process-wide configuration read from the
// environment once at startup. No component reads os.Getenv directly; all
// ambient settings (agent binary, git path, store path, timeouts) flow
// through an explicit Config value, per SPEC_FULL.md's "no module-level
// mutable state" design note.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Secret wraps a sensitive string so it is never accidentally logged: its
// String and LogValue methods redact the value, mirroring the teacher's
// discipline of never echoing agent auth material.
type Secret string

// String implements fmt.Stringer with redaction.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// LogValue implements slog.LogValuer with the same redaction as String.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// Plain returns the underlying secret value. Callers must not log the result.
func (s Secret) Plain() string { return string(s) }

// Config holds process-wide settings sourced from the environment.
type Config struct {
	// AgentBin is the path to the agent CLI binary (AMP_BIN or equivalent).
	AgentBin string
	// AgentArgs are extra argv entries appended to every agent invocation (AMP_ARGS).
	AgentArgs []string
	// AgentJSONLogs is read from AMP_ENABLE_JSONL. cmd/orchestrator does not
	// pass it to the agent backend, so it adds no flag to agent invocations.
	AgentJSONLogs bool
	// AgentAuthCmd is read from AMP_AUTH_CMD. cmd/orchestrator does not pass
	// it to the agent backend, so no auth command is run before spawning.
	AgentAuthCmd string
	// AgentToken is bearer/API auth material for the agent CLI (AMP_TOKEN). Never logged.
	// cmd/orchestrator does not pass it to the agent backend.
	AgentToken Secret

	// GitPath overrides the git binary location (GIT_PATH). Defaults to "git" (PATH lookup).
	GitPath string

	// StoreDBPath is the embedded database file location (*_DB_PATH).
	StoreDBPath string
	// EventLogDir is the directory for NDJSON event-log segments, sibling to StoreDBPath.
	EventLogDir string

	// GitTimeout bounds every git subprocess call. Default 30s (spec.md §4.1).
	GitTimeout time.Duration
	// AgentIterationTimeout is read from ORCHESTRATOR_AGENT_TIMEOUT. Default 30m.
	// No component reads it; batch items take their timeout from the plan,
	// whose own default is also 30 minutes.
	AgentIterationTimeout time.Duration
	// StreamEventRetention is how long stream events are kept before the
	// background sweep prunes them. Default 30 days (spec.md §4.2).
	StreamEventRetention time.Duration
}

// FromEnv builds a Config from the process environment, applying the
// defaults spec.md names explicitly so callers never need to guess them.
func FromEnv() Config {
	c := Config{
		AgentBin:              firstNonEmpty(os.Getenv("AMP_BIN"), "amp"),
		AgentArgs:             splitArgs(os.Getenv("AMP_ARGS")),
		AgentJSONLogs:         envBool("AMP_ENABLE_JSONL", true),
		AgentAuthCmd:          os.Getenv("AMP_AUTH_CMD"),
		AgentToken:            Secret(os.Getenv("AMP_TOKEN")),
		GitPath:               firstNonEmpty(os.Getenv("GIT_PATH"), "git"),
		StoreDBPath:           firstNonEmpty(os.Getenv("ORCHESTRATOR_DB_PATH"), "orchestrator.db"),
		EventLogDir:           firstNonEmpty(os.Getenv("ORCHESTRATOR_EVENTLOG_DIR"), "event-logs"),
		GitTimeout:            envDuration("ORCHESTRATOR_GIT_TIMEOUT", 30*time.Second),
		AgentIterationTimeout: envDuration("ORCHESTRATOR_AGENT_TIMEOUT", 30*time.Minute),
		StreamEventRetention:  envDuration("ORCHESTRATOR_EVENT_RETENTION", 30*24*time.Hour),
	}
	return c
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// splitArgs splits a whitespace-separated argument string, honoring simple
// double-quoted segments so paths with spaces survive.
func splitArgs(s string) []string {
	var out []string
	var cur []rune
	inQuotes := false
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}
