package claude

import (
	"testing"

	"github.com/sessionkit/orchestrator/internal/agent"
)

func TestParseLineSystemInit(t *testing.T) {
	var b Backend
	msgs, err := b.ParseLine([]byte(`{"type":"system","subtype":"init","thread_id":"t-1","model":"opus","agent_version":"1.2.3"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	init, ok := msgs[0].(agent.SystemInit)
	if !ok {
		t.Fatalf("expected SystemInit, got %T", msgs[0])
	}
	if init.ThreadID != "t-1" || init.Model != "opus" {
		t.Fatalf("unexpected init: %+v", init)
	}
}

func TestParseLineToolUseAndResult(t *testing.T) {
	var b Backend
	msgs, err := b.ParseLine([]byte(`{"type":"tool_use","id":"tc-1","tool_name":"bash","args":{"cmd":"ls"}}`))
	if err != nil {
		t.Fatalf("parse tool_use: %v", err)
	}
	tu, ok := msgs[0].(agent.ToolUse)
	if !ok || tu.ID != "tc-1" || tu.ToolName != "bash" {
		t.Fatalf("unexpected tool_use: %+v", msgs[0])
	}

	msgs, err = b.ParseLine([]byte(`{"type":"tool_result","id":"tc-1","success":true,"output":"file1\nfile2"}`))
	if err != nil {
		t.Fatalf("parse tool_result: %v", err)
	}
	tr, ok := msgs[0].(agent.ToolResult)
	if !ok || tr.ID != "tc-1" || !tr.Success {
		t.Fatalf("unexpected tool_result: %+v", msgs[0])
	}
}

func TestParseLineUnknownTypeIsSkippedNotFatal(t *testing.T) {
	var b Backend
	msgs, err := b.ParseLine([]byte(`{"type":"future_event","payload":1}`))
	if err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages for unknown type, got %v", msgs)
	}
}

func TestParseLineErrorEventThreadNotFound(t *testing.T) {
	var b Backend
	msgs, err := b.ParseLine([]byte(`{"type":"error","message":"Thread not found"}`))
	if err != nil {
		t.Fatalf("parse error event: %v", err)
	}
	ev, ok := msgs[0].(agent.ErrorEvent)
	if !ok || !agent.IsThreadNotFound(ev.Message) {
		t.Fatalf("unexpected error event: %+v", msgs[0])
	}
}
