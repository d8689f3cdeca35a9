// Package types holds the shared data shapes that cross package boundaries:
// the exchange (one user turn + one assistant turn) and the per-exchange
// trace record written to the pipeline's append-only log.
package types

import "time"

// Exchange is one user turn plus the assistant's reply, with conversation
// metadata. Exchanges are ephemeral: they live in in-memory buffers and the
// trace log, never as store rows.
type Exchange struct {
	Channel          string    `json:"channel"`
	ConversationName string    `json:"conversation_name"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	UserMessage      string    `json:"user_message"`
	AssistantReply   string    `json:"assistant_response"`
	Timestamp        time.Time `json:"timestamp"`

	// MemorySummary is attached after the exchange's batch has been
	// written, for display in the next batch's audit prompt.
	MemorySummary string `json:"memory_summary,omitempty"`
}

// ConversationKey returns the identifier used for per-conversation state
// (urgent-context files, recent-exchange buffers). Falls back to the
// conversation name when no ID was assigned.
func (ex *Exchange) ConversationKey() string {
	if ex.ConversationID != "" {
		return ex.ConversationID
	}
	return ex.ConversationName
}

// Priority classifies how urgently a retrieval finding must reach the
// assistant.
type Priority string

const (
	PriorityNormal    Priority = "normal"    // nothing new or relevant
	PriorityImportant Priority = "important" // relevant info absent from the context document
	PriorityCritical  Priority = "critical"  // contradicts the assistant's apparent belief, or time-critical
)

// AgentStats summarizes one agentic run for the trace log.
type AgentStats struct {
	DurationMs   int `json:"duration_ms"`
	ToolCalls    int `json:"tool_calls"`
	Turns        int `json:"turns"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// TraceRecord is one line of the append-only trace log: the full journey of
// a single exchange through the pipeline. Records are never rewritten after
// being flushed.
type TraceRecord struct {
	Timestamp    time.Time `json:"ts"`
	Seq          int64     `json:"seq"`
	Conversation string    `json:"conversation"`
	Channel      string    `json:"channel,omitempty"`

	GateAccepted bool   `json:"gate_accepted"`
	GateReason   string `json:"gate_reason,omitempty"`

	RAG         *AgentStats `json:"rag,omitempty"`
	RAGPriority Priority    `json:"rag_priority,omitempty"`
	RAGKeys     []string    `json:"rag_keys,omitempty"`
	RAGFallback bool        `json:"rag_fallback,omitempty"`
	Injected    bool        `json:"injected,omitempty"`
	InjectError string      `json:"inject_error,omitempty"`

	Writer       *AgentStats `json:"writer,omitempty"`
	WriterError  string      `json:"writer_error,omitempty"`
	BatchSummary string      `json:"batch_summary,omitempty"`
}
