// Package agent abstracts agentic tool-calling sessions. The RAG stage and
// the context writer both run through a Runner; production shells out to
// the claude CLI, tests substitute fakes.
package agent

import (
	"context"
)

// Request describes one agentic invocation.
type Request struct {
	// SystemPrompt is appended to the model's system prompt.
	SystemPrompt string
	// Prompt is the user-turn content.
	Prompt string
	// Resume, when non-empty, continues a prior session so the model sees
	// its earlier reasoning and tool results.
	Resume string
	// AllowedTools restricts which tools the session may call. Empty means
	// no tools at all.
	AllowedTools []string
}

// Result is what came back from one invocation.
type Result struct {
	Text      string
	SessionID string

	ToolCalls    int
	Turns        int
	DurationMs   int
	InputTokens  int
	OutputTokens int

	Err error
}

// Runner executes agentic sessions.
type Runner interface {
	Invoke(ctx context.Context, req Request) Result
}
