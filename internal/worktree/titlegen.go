package worktree

import "strings"

// maxTitleWords bounds the generated title length.
const maxTitleWords = 8

// GenerateTitle derives a short, human-scannable title from a session's
// initial prompt. Providers that wire an LLM call for this (the upstream
// approach this project started from) are a real dependency surface, but
// dragging in a whole provider-abstraction SDK for an 8-word label isn't
// worth the weight here — see DESIGN.md.
func GenerateTitle(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "untitled session"
	}
	if nl := strings.IndexByte(prompt, '\n'); nl >= 0 {
		prompt = prompt[:nl]
	}
	fields := strings.Fields(prompt)
	if len(fields) > maxTitleWords {
		fields = fields[:maxTitleWords]
	}
	title := strings.Join(fields, " ")
	return strings.TrimRight(title, ".,:;!?")
}
