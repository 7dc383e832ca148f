package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sessionkit/orchestrator/internal/agent"
)

// Backend spawns the default agent CLI as a local subprocess and decodes
// its stdout JSON event stream.
type Backend struct{}

var _ agent.Backend = Backend{}

func (Backend) Harness() agent.Harness { return agent.HarnessClaude }

// Start spawns the agent, writes the initial prompt to its stdin, and pumps
// its stdout through the shared streaming extractor until exit.
func (b Backend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, rawLogW io.Writer) (*agent.Session, error) {
	args := opts.Args
	if opts.ThreadID != "" {
		args = append(args, "--resume", opts.ThreadID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	var env []string
	if opts.Token != "" {
		env = append(env, "AMP_TOKEN="+opts.Token)
	}

	sess, stdout, err := agent.Spawn(ctx, opts.Bin, args, opts.WorkDir, env)
	if err != nil {
		return nil, err
	}

	if err := b.WritePrompt(sessionStdin{sess}, opts.Prompt, nil, rawLogW); err != nil {
		return sess, fmt.Errorf("write initial prompt: %w", err)
	}

	go func() {
		_ = agent.Pump(sess, stdout, b.ParseLine, msgCh, rawLogW)
	}()

	return sess, nil
}

// sessionStdin adapts *agent.Session's Send method to an io.Writer so
// WritePrompt can be reused for both the initial prompt and, via Session.Send,
// interactive follow-ups.
type sessionStdin struct{ s *agent.Session }

func (w sessionStdin) Write(p []byte) (int, error) {
	if err := w.s.Send(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WritePrompt marshals prompt (plus optional images) as a user event and
// writes it to w, tee-ing the exact bytes to logW for replay parity between
// what was sent and what was logged.
func (b Backend) WritePrompt(w io.Writer, prompt string, images []agent.ImageData, logW io.Writer) error {
	type contentBlock struct {
		Type   string `json:"type"`
		Text   string `json:"text,omitempty"`
		Source *struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		} `json:"source,omitempty"`
	}

	var payload struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	payload.Type = "user"
	payload.Message.Role = "user"

	if len(images) == 0 {
		content, err := json.Marshal(prompt)
		if err != nil {
			return err
		}
		payload.Message.Content = content
	} else {
		blocks := make([]contentBlock, 0, len(images)+1)
		for _, img := range images {
			blocks = append(blocks, contentBlock{
				Type: "image",
				Source: &struct {
					Type      string `json:"type"`
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				}{Type: "base64", MediaType: img.MediaType, Data: img.Data},
			})
		}
		if prompt != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: prompt})
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return err
		}
		payload.Message.Content = content
	}

	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := w.Write(line); err != nil {
		return err
	}
	if logW != nil {
		_, _ = logW.Write(line)
	}
	return nil
}

// ParseLine decodes one raw JSON object (already isolated by the streaming
// extractor) into zero or more normalized agent.Messages. Unknown "type"
// values are logged and skipped rather than treated as fatal, since a CLI
// upgrade may introduce new event kinds the orchestrator doesn't act on yet.
func (Backend) ParseLine(raw []byte) ([]agent.Message, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	env.Raw = raw

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return nil, nil
		}
		var r systemInitRecord
		extra, err := decodeKnown(raw, &r)
		if err != nil {
			return nil, err
		}
		agent.WarnUnknown("system_init", extra)
		return []agent.Message{agent.SystemInit{
			ThreadID: r.ThreadID, Model: r.Model, AgentVersion: r.AgentVersion, Resumed: r.Resumed, Raw: raw,
		}}, nil
	case "user":
		var r userRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.UserEcho{Content: r.Message.Content, Raw: raw}}, nil
	case "assistant":
		var r assistantRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.AssistantMessage{Content: r.Message.Content, Final: r.Final, Raw: raw}}, nil
	case "tool_use":
		var r toolUseRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.ToolUse{ID: r.ID, ToolName: r.ToolName, ArgsJSON: string(r.Args), Raw: raw}}, nil
	case "tool_result":
		var r toolResultRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.ToolResult{ID: r.ID, Success: r.Success, Output: r.Output, Raw: raw}}, nil
	case "usage":
		var r usageRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.TokenUsageEvent{
			PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens, TotalTokens: r.TotalTokens, Raw: raw,
		}}, nil
	case "result":
		var r resultRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.Result{ExitCode: r.ExitCode, Summary: r.Summary, Raw: raw}}, nil
	case "error":
		var r errorRecord
		if _, err := decodeKnown(raw, &r); err != nil {
			return nil, err
		}
		return []agent.Message{agent.ErrorEvent{Message: r.Message, Raw: raw}}, nil
	default:
		agent.WarnUnknown("event type="+env.Type, map[string]json.RawMessage{"raw": raw})
		return nil, nil
	}
}

// decodeKnown unmarshals raw into dst and separately collects any top-level
// keys dst doesn't have a field for, so callers can route them through
// agent.WarnUnknown instead of silently discarding them.
func decodeKnown(raw []byte, dst any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode record fields: %w", err)
	}
	known := knownKeysOf(dst)
	// The envelope's discriminator keys are decoded by ParseLine itself.
	known["type"] = struct{}{}
	known["subtype"] = struct{}{}
	return collectUnknown(all, known), nil
}
