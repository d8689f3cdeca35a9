package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/store"
	"github.com/softsense/memoir/internal/types"
)

// scriptedRunner returns canned results in sequence.
type scriptedRunner struct {
	results []agent.Result
	calls   int
	reqs    []agent.Request
}

func (r *scriptedRunner) Invoke(_ context.Context, req agent.Request) agent.Result {
	r.reqs = append(r.reqs, req)
	if r.calls >= len(r.results) {
		return agent.Result{Err: errors.New("no more scripted results")}
	}
	res := r.results[r.calls]
	r.calls++
	return res
}

func testExchange() *types.Exchange {
	return &types.Exchange{
		Channel:          "chat",
		ConversationName: "general",
		UserMessage:      "when is Marie's birthday again?",
		AssistantReply:   "March 12, coming up soon.",
		Timestamp:        time.Now(),
	}
}

func TestAnalyzeParsesFinding(t *testing.T) {
	runner := &scriptedRunner{results: []agent.Result{{
		Text:      "```json\n{\"priority\": \"important\", \"reasoning\": \"birthday near\", \"keys\": [\"marie\", \"cadeau-marie\"], \"pre_context\": \"marie: sister\"}\n```",
		SessionID: "sess-1",
		ToolCalls: 3,
		Turns:     2,
	}}}

	f := NewAnalyzer(runner).Analyze(context.Background(), testExchange(), nil, "")
	if f.Fallback {
		t.Fatal("unexpected fallback")
	}
	if f.Priority != types.PriorityImportant {
		t.Errorf("priority = %s", f.Priority)
	}
	if len(f.Keys) != 2 || f.Keys[0] != "marie" {
		t.Errorf("keys = %v", f.Keys)
	}
	if f.Stats == nil || f.Stats.ToolCalls != 3 {
		t.Errorf("stats = %+v", f.Stats)
	}
}

func TestAnalyzeRetriesUnparseableOutputOnce(t *testing.T) {
	runner := &scriptedRunner{results: []agent.Result{
		{Text: "I found some things but forgot the format, sorry!", SessionID: "sess-1"},
		{Text: `{"priority": "normal", "reasoning": "", "keys": [], "pre_context": ""}`, SessionID: "sess-1"},
	}}

	f := NewAnalyzer(runner).Analyze(context.Background(), testExchange(), nil, "")
	if f.Fallback {
		t.Fatal("retry should have recovered, not fallen back")
	}
	if runner.calls != 2 {
		t.Errorf("runner called %d times, want 2", runner.calls)
	}
	if runner.reqs[1].Resume != "sess-1" {
		t.Errorf("retry did not resume session: %+v", runner.reqs[1])
	}
}

func TestAnalyzeDegradesToFallback(t *testing.T) {
	runner := &scriptedRunner{results: []agent.Result{
		{Text: "not json at all here", SessionID: "s"},
		{Text: "still not json, no braces"},
	}}

	f := NewAnalyzer(runner).Analyze(context.Background(), testExchange(), nil, "")
	if !f.Fallback {
		t.Fatal("expected fallback finding")
	}
	if f.Priority != types.PriorityNormal {
		t.Errorf("fallback priority = %s", f.Priority)
	}
}

func TestAnalyzeFallbackOnRunnerError(t *testing.T) {
	runner := &scriptedRunner{results: []agent.Result{{Err: errors.New("timeout")}}}
	f := NewAnalyzer(runner).Analyze(context.Background(), testExchange(), nil, "")
	if !f.Fallback || f.Priority != types.PriorityNormal {
		t.Errorf("finding = %+v", f)
	}
	if runner.calls != 1 {
		t.Errorf("runner error should not trigger the parse retry, calls = %d", runner.calls)
	}
}

func TestAnalyzeRejectsUnknownPriority(t *testing.T) {
	if _, err := parseFinding(`{"priority": "urgent"}`); err == nil {
		t.Error("unknown priority accepted")
	}
	f, err := parseFinding(`{"keys": ["a"]}`)
	if err != nil {
		t.Fatalf("missing priority should default: %v", err)
	}
	if f.Priority != types.PriorityNormal {
		t.Errorf("defaulted priority = %s", f.Priority)
	}
}

func TestAnalysisPromptIncludesContext(t *testing.T) {
	runner := &scriptedRunner{results: []agent.Result{{
		Text: `{"priority": "normal", "keys": []}`,
	}}}
	recent := []*types.Exchange{{UserMessage: "earlier question", AssistantReply: "earlier answer"}}

	NewAnalyzer(runner).Analyze(context.Background(), testExchange(), recent, "# What I know\n- stuff")

	prompt := runner.reqs[0].Prompt
	for _, want := range []string{"# What I know", "earlier question", "Marie's birthday"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if len(runner.reqs[0].AllowedTools) == 0 {
		t.Error("analysis request has no tools")
	}
	for _, tool := range runner.reqs[0].AllowedTools {
		if strings.Contains(tool, "upsert") || strings.Contains(tool, "delete") {
			t.Errorf("analysis session given write tool %s", tool)
		}
	}
}

// fakeGen returns canned reformulations.
type fakeGen struct {
	out string
	err error
}

func (f *fakeGen) Generate(string) (string, error) { return f.out, f.err }

func setupSearchStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Upsert(store.CategoryPeople, "marie", "Sister, birthday March 12", store.StatusActive, store.OriginConversation, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Upsert(store.CategoryGoals, "cadeau-marie", "Buy birthday gift", store.StatusActive, store.OriginConversation, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.AddRelation("cadeau-marie", "marie", store.RelInvolves); err != nil {
		t.Fatalf("relation: %v", err)
	}
	return s
}

func TestPreSearchDirectHit(t *testing.T) {
	s := setupSearchStore(t)
	p := NewPreSearcher(s, &fakeGen{err: errors.New("should not be called")})

	out := p.Run("marie birthday")
	if !strings.Contains(out, "marie") {
		t.Errorf("pre-search output = %q", out)
	}
	if !strings.Contains(out, "-[involves]->") {
		t.Errorf("relations missing from output: %q", out)
	}
}

func TestPreSearchReformulates(t *testing.T) {
	s := setupSearchStore(t)
	p := NewPreSearcher(s, &fakeGen{out: "marie birthday\nsister gift\n"})

	// Query with no direct token overlap; only the reformulated queries hit.
	out := p.Run("xyzzy quux")
	if !strings.Contains(out, "marie") {
		t.Errorf("reformulated pre-search output = %q", out)
	}
}

func TestPreSearchEmpty(t *testing.T) {
	s := setupSearchStore(t)
	p := NewPreSearcher(s, &fakeGen{err: errors.New("down")})

	if out := p.Run("xyzzy quux"); out != "" {
		t.Errorf("expected empty result, got %q", out)
	}
	if out := p.Run("   "); out != "" {
		t.Errorf("blank input result = %q", out)
	}
}
