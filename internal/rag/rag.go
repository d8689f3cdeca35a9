// Package rag runs retrieval ahead of the context writer: an agentic
// analyzer that searches the store for entries relevant to one exchange and
// classifies how urgently the assistant needs them, plus a cheaper
// synchronous pre-search usable before the main reply.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/types"
)

// readOnlyTools are the store tools an analysis session may call. No writes.
var readOnlyTools = []string{
	"mcp__memoir__search_entries",
	"mcp__memoir__get_entry",
	"mcp__memoir__list_category",
	"mcp__memoir__get_relations",
}

// Finding is the analyzer's verdict on one exchange.
type Finding struct {
	Priority   types.Priority `json:"priority"`
	Reasoning  string         `json:"reasoning"`
	Keys       []string       `json:"keys"`
	PreContext string         `json:"pre_context"`

	// Fallback marks a degraded result (timeout or unparseable output)
	// substituted so the pipeline could proceed.
	Fallback bool `json:"-"`
	Stats    *types.AgentStats
}

// Analyzer drives agentic retrieval sessions.
type Analyzer struct {
	runner agent.Runner
}

func NewAnalyzer(runner agent.Runner) *Analyzer {
	return &Analyzer{runner: runner}
}

const analysisSystemPrompt = `You analyze one conversation exchange against a personal memory store.

Search the store for every entity, person, project, or topic the exchange touches. When a search result reveals related entities, search for those too, until nothing new and relevant surfaces. Use only the provided read-only tools.

Then respond with ONLY a JSON object:
{
  "priority": "normal" | "important" | "critical",
  "reasoning": "one or two sentences",
  "keys": ["entry-keys", "that-are-relevant"],
  "pre_context": "full content and relations of relevant entries NOT already in the context document, or empty string"
}

Priority rules:
- "normal": nothing new or relevant found.
- "important": you found relevant stored information that is absent from the current context document.
- "critical": stored information contradicts what the assistant appears to believe in this exchange, or is time-critical for the user's next step.`

// Analyze runs one agentic analysis. It never returns an error: on timeout
// or unparseable output it degrades to a normal/empty fallback Finding so
// the pipeline is never blocked behind a failed retrieval.
func (a *Analyzer) Analyze(ctx context.Context, ex *types.Exchange, recent []*types.Exchange, contextDoc string) *Finding {
	prompt := buildAnalysisPrompt(ex, recent, contextDoc)

	res := a.runner.Invoke(ctx, agent.Request{
		SystemPrompt: analysisSystemPrompt,
		Prompt:       prompt,
		AllowedTools: readOnlyTools,
	})

	stats := &types.AgentStats{
		DurationMs:   res.DurationMs,
		ToolCalls:    res.ToolCalls,
		Turns:        res.Turns,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}

	if res.Err != nil {
		logging.Info("rag", "analysis failed for %s: %v", ex.ConversationKey(), res.Err)
		return fallbackFinding(stats)
	}

	f, err := parseFinding(res.Text)
	if err != nil {
		// One retry: ask the same session to restate just the JSON.
		logging.Debug("rag", "unparseable analysis output, retrying extraction: %v", err)
		retry := a.runner.Invoke(ctx, agent.Request{
			Prompt: "Respond again with ONLY the JSON object described earlier, nothing else.",
			Resume: res.SessionID,
		})
		stats.DurationMs += retry.DurationMs
		stats.Turns += retry.Turns
		stats.InputTokens += retry.InputTokens
		stats.OutputTokens += retry.OutputTokens
		if retry.Err == nil {
			f, err = parseFinding(retry.Text)
		}
		if retry.Err != nil || err != nil {
			logging.Info("rag", "analysis output unusable for %s, degrading to normal", ex.ConversationKey())
			return fallbackFinding(stats)
		}
	}

	f.Stats = stats
	logging.Debug("rag", "analysis %s: priority=%s keys=%d", ex.ConversationKey(), f.Priority, len(f.Keys))
	return f
}

func fallbackFinding(stats *types.AgentStats) *Finding {
	return &Finding{Priority: types.PriorityNormal, Fallback: true, Stats: stats}
}

// parseFinding decodes and validates the analyzer's JSON output.
func parseFinding(text string) (*Finding, error) {
	payload := agent.ExtractJSON(text)
	var f Finding
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("parse finding: %w", err)
	}
	switch f.Priority {
	case types.PriorityNormal, types.PriorityImportant, types.PriorityCritical:
	case "":
		f.Priority = types.PriorityNormal
	default:
		return nil, fmt.Errorf("unknown priority %q", f.Priority)
	}
	return &f, nil
}

func buildAnalysisPrompt(ex *types.Exchange, recent []*types.Exchange, contextDoc string) string {
	var sb strings.Builder

	if contextDoc != "" {
		sb.WriteString("Current context document:\n")
		sb.WriteString(contextDoc)
		sb.WriteString("\n\n")
	}

	if len(recent) > 0 {
		sb.WriteString("Recent exchanges in this conversation:\n")
		for _, r := range recent {
			fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", r.UserMessage, r.AssistantReply)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Exchange to analyze (conversation %q):\nUser: %s\nAssistant: %s\n",
		ex.ConversationName, ex.UserMessage, ex.AssistantReply)
	return sb.String()
}
