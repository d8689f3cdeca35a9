package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/types"
)

// Tool sets per writer phase. The audit phase can only read; the bump phase
// can read and bump but not rewrite; the summary phase gets nothing.
var (
	writerReadTools = []string{
		"mcp__memoir__search_entries",
		"mcp__memoir__get_entry",
		"mcp__memoir__list_category",
		"mcp__memoir__get_relations",
	}
	writerActionTools = append(append([]string{}, writerReadTools...),
		"mcp__memoir__upsert_entry",
		"mcp__memoir__bump_entry",
		"mcp__memoir__delete_entry",
		"mcp__memoir__set_status",
		"mcp__memoir__add_relation",
		"mcp__memoir__remove_relation",
	)
	writerBumpTools = append(append([]string{}, writerReadTools...),
		"mcp__memoir__bump_entry",
	)
)

const writerSystemPrompt = `You maintain a personal memory store for an assistant. You will work through one batch of conversation exchanges in four phases; follow only the instructions of the current phase.

Store rules you must always respect:
- Entry content is a current-state snapshot. Updates rewrite the whole content; never append history.
- Keys are stable slugs, unique across categories.
- When you correct a fact, you must also rewrite every other entry whose text still states the old value.
- Prefer updating an existing entry over creating a near-duplicate.`

// BatchItem pairs an exchange with its RAG finding for the writer.
type BatchItem struct {
	Seq      int64
	Exchange *types.Exchange
	Finding  *ragOutcome
}

// ragOutcome is the slice of a RAG finding the writer cares about.
type ragOutcome struct {
	Priority  types.Priority
	Reasoning string
	Keys      []string
}

// continuity is the only state carried between batches outside the store:
// the previous batch's summary, shown in the next audit prompt.
type continuity struct {
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer runs the four-phase context agent over exchange batches.
type Writer struct {
	runner         agent.Runner
	continuityPath string
}

func NewWriter(runner agent.Runner, statePath string) *Writer {
	return &Writer{
		runner:         runner,
		continuityPath: filepath.Join(statePath, "system", "continuity.json"),
	}
}

// RunBatch processes one batch: audit, actions, bumps, summary. Phases 2-4
// resume the phase-1 session so each phase sees all earlier reasoning. The
// returned stats aggregate all phases; on a phase failure the stats cover
// whatever ran before it. The batch summary is attached to every exchange
// in the batch.
func (w *Writer) RunBatch(ctx context.Context, batch []*BatchItem) (string, *types.AgentStats, error) {
	if len(batch) == 0 {
		return "", nil, nil
	}

	stats := &types.AgentStats{}
	prev := w.loadContinuity()

	// Phase 1: audit (read-only).
	audit := w.runner.Invoke(ctx, agent.Request{
		SystemPrompt: writerSystemPrompt,
		Prompt:       auditPrompt(batch, prev),
		AllowedTools: writerReadTools,
	})
	accumulate(stats, audit)
	if audit.Err != nil {
		return "", stats, fmt.Errorf("audit phase: %w", audit.Err)
	}
	session := audit.SessionID

	// Phase 2: actions (full read/write).
	actions := w.runner.Invoke(ctx, agent.Request{
		Prompt:       actionsPrompt,
		Resume:       session,
		AllowedTools: writerActionTools,
	})
	accumulate(stats, actions)
	if actions.Err != nil {
		return "", stats, fmt.Errorf("actions phase: %w", actions.Err)
	}

	// Phase 3: bumps (read + bump only).
	bumps := w.runner.Invoke(ctx, agent.Request{
		Prompt:       bumpsPrompt,
		Resume:       session,
		AllowedTools: writerBumpTools,
	})
	accumulate(stats, bumps)
	if bumps.Err != nil {
		return "", stats, fmt.Errorf("bumps phase: %w", bumps.Err)
	}

	// Phase 4: summary (no tools).
	summary := w.runner.Invoke(ctx, agent.Request{
		Prompt: summaryPrompt,
		Resume: session,
	})
	accumulate(stats, summary)
	if summary.Err != nil {
		return "", stats, fmt.Errorf("summary phase: %w", summary.Err)
	}

	text := strings.TrimSpace(summary.Text)
	for _, item := range batch {
		item.Exchange.MemorySummary = text
	}
	w.saveContinuity(text)
	logging.Info("writer", "batch of %d done: %s", len(batch), logging.Truncate(text, 120))
	return text, stats, nil
}

func accumulate(stats *types.AgentStats, res agent.Result) {
	stats.DurationMs += res.DurationMs
	stats.ToolCalls += res.ToolCalls
	stats.Turns += res.Turns
	stats.InputTokens += res.InputTokens
	stats.OutputTokens += res.OutputTokens
}

func auditPrompt(batch []*BatchItem, prev *continuity) string {
	var sb strings.Builder
	sb.WriteString("PHASE 1 — AUDIT (read-only).\n\n")
	if prev != nil && prev.Summary != "" {
		fmt.Fprintf(&sb, "Previous batch summary: %s\n\n", prev.Summary)
	}
	sb.WriteString("New exchanges:\n")
	for _, item := range batch {
		ex := item.Exchange
		fmt.Fprintf(&sb, "\n[%s / %s]\nUser: %s\nAssistant: %s\n",
			ex.Channel, ex.ConversationName, ex.UserMessage, ex.AssistantReply)
		if item.Finding != nil && len(item.Finding.Keys) > 0 {
			fmt.Fprintf(&sb, "(retrieval found related entries: %s)\n",
				strings.Join(item.Finding.Keys, ", "))
		}
	}
	sb.WriteString(`
For every entity and concept these exchanges touch, search the store. Report, as text:
- entries that need creating, updating, or bumping
- duplicates or near-duplicates that should merge
- contradictions between the exchanges and stored entries, or between stored entries
- entries that look miscategorized or stale
Do not change anything yet.`)
	return sb.String()
}

const actionsPrompt = `PHASE 2 — ACTIONS (read/write).
Execute your audit: resolve contradictions first, then create, update, relate, and delete as needed. Remember: a corrected fact requires rewriting every entry that still states the old value. Rewrite content wholesale; never append.`

const bumpsPrompt = `PHASE 3 — BUMPS.
For every entry that was referenced in this batch but that you did not modify in phase 2, call bump_entry once. Nothing else.`

const summaryPrompt = `PHASE 4 — SUMMARY.
In 2-3 lines, state what changed in the store during this batch. Plain text only.`

func (w *Writer) loadContinuity() *continuity {
	data, err := os.ReadFile(w.continuityPath)
	if err != nil {
		return nil
	}
	var c continuity
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	return &c
}

func (w *Writer) saveContinuity(summary string) {
	c := continuity{Summary: summary, Timestamp: time.Now().UTC()}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(w.continuityPath), 0755); err != nil {
		return
	}
	tmp := w.continuityPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.Debug("writer", "save continuity: %v", err)
		return
	}
	os.Rename(tmp, w.continuityPath)
}

// ClearContinuity removes the cross-batch summary. Used by reset.
func (w *Writer) ClearContinuity() error {
	if err := os.Remove(w.continuityPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
