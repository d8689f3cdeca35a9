package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/gate"
	"github.com/softsense/memoir/internal/settings"
	"github.com/softsense/memoir/internal/store"
	"github.com/softsense/memoir/internal/types"
)

// hookRunner dispatches invocations to a test-provided function.
type hookRunner struct {
	mu     sync.Mutex
	fn     func(req agent.Request) agent.Result
	reqs   []agent.Request
	nextID int
}

func (h *hookRunner) Invoke(_ context.Context, req agent.Request) agent.Result {
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.nextID++
	id := fmt.Sprintf("session-%d", h.nextID)
	fn := h.fn
	h.mu.Unlock()

	res := fn(req)
	if res.SessionID == "" {
		if req.Resume != "" {
			res.SessionID = req.Resume
		} else {
			res.SessionID = id
		}
	}
	return res
}

func (h *hookRunner) requests() []agent.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]agent.Request(nil), h.reqs...)
}

// phase returns which writer phase or stage a request belongs to.
func phase(req agent.Request) string {
	switch {
	case strings.Contains(req.Prompt, "PHASE 1"):
		return "audit"
	case strings.Contains(req.Prompt, "PHASE 2"):
		return "actions"
	case strings.Contains(req.Prompt, "PHASE 3"):
		return "bumps"
	case strings.Contains(req.Prompt, "PHASE 4"):
		return "summary"
	case strings.Contains(req.Prompt, "Exchange to analyze"):
		return "rag"
	}
	return "other"
}

func normalFinding() agent.Result {
	return agent.Result{Text: `{"priority": "normal", "reasoning": "", "keys": [], "pre_context": ""}`}
}

// writerAware handles writer phases with canned outputs and delegates RAG
// requests to ragFn.
func writerAware(ragFn func(req agent.Request) agent.Result) func(req agent.Request) agent.Result {
	return func(req agent.Request) agent.Result {
		switch phase(req) {
		case "rag":
			return ragFn(req)
		case "summary":
			return agent.Result{Text: "Updated the store."}
		default:
			return agent.Result{Text: "done"}
		}
	}
}

func newTestPipeline(t *testing.T, runner agent.Runner) (*Pipeline, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p := New(Config{
		StatePath: dir,
		Store:     s,
		Gate:      gate.New(gate.DefaultPolicy()),
		Runner:    runner,
		Settings:  settings.Open(dir),
		UrgentTTL: time.Minute,
	})
	p.Start()
	t.Cleanup(p.Shutdown)
	return p, s
}

func feed(p *Pipeline, conv, user string) {
	p.FeedExchange(&types.Exchange{
		Channel:          "chat",
		ConversationName: conv,
		UserMessage:      user,
		AssistantReply:   "Understood, I noted the details you mentioned.",
		Timestamp:        time.Now(),
	})
}

// waitIdle polls until the pipeline has no pending or in-flight work.
func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := p.GetProcessingStatus()
		if !st.Processing && st.PendingRag == 0 && st.QueueLength == 0 && !st.LastCompletedAt.IsZero() {
			// One extra settle pass for trace flushing.
			time.Sleep(20 * time.Millisecond)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipeline never went idle: %+v", p.GetProcessingStatus())
}

func TestOrderingSurvivesOutOfOrderRAG(t *testing.T) {
	// Sequence 0 gets the slowest RAG, 2 the fastest.
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result {
		switch {
		case strings.Contains(req.Prompt, "message zero"):
			time.Sleep(150 * time.Millisecond)
		case strings.Contains(req.Prompt, "message one"):
			time.Sleep(75 * time.Millisecond)
		}
		return normalFinding()
	})

	p, _ := newTestPipeline(t, runner)
	feed(p, "general", "Marie mentioned message zero about the renovation project")
	feed(p, "general", "Paul mentioned message one about the renovation project")
	feed(p, "general", "Anna mentioned message two about the renovation project")
	waitIdle(t, p)

	// Every audit prompt must list its exchanges in admission order, and
	// across audits the order must be 0, 1, 2.
	markers := []string{"message zero", "message one", "message two"}
	var seen []string
	for _, req := range runner.requests() {
		if phase(req) != "audit" {
			continue
		}
		type hit struct {
			marker string
			pos    int
		}
		var hits []hit
		for _, m := range markers {
			if idx := strings.Index(req.Prompt, m); idx != -1 {
				hits = append(hits, hit{m, idx})
			}
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
		for _, h := range hits {
			seen = append(seen, h.marker)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("audit prompts covered %v, want all three exchanges", seen)
	}
	for i := range markers {
		if seen[i] != markers[i] {
			t.Fatalf("writer saw exchanges as %v, want %v", seen, markers)
		}
	}

	// And the trace preserves sequence numbers.
	recs, err := p.QueryTrace(0, "")
	if err != nil {
		t.Fatalf("query trace: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d trace records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != int64(i) {
			t.Errorf("trace[%d].Seq = %d", i, rec.Seq)
		}
	}
}

func TestGateSkippedExchangeDoesNotStallOrdering(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result {
		return normalFinding()
	})

	p, _ := newTestPipeline(t, runner)
	feed(p, "general", "Marie is moving to Lyon in September for the new job")
	feed(p, "general", "ok") // gated out
	feed(p, "general", "Her husband Paul is staying in Paris until December")
	waitIdle(t, p)

	recs, err := p.QueryTrace(0, "")
	if err != nil {
		t.Fatalf("query trace: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d trace records, want 3", len(recs))
	}
	if recs[1].GateAccepted {
		t.Error("backchannel passed the gate")
	}
	// The skipped exchange never reaches the writer.
	for _, req := range runner.requests() {
		if phase(req) == "audit" && strings.Contains(req.Prompt, "User: ok") {
			t.Error("gated-out exchange leaked into the writer batch")
		}
	}
}

func TestImportantFindingWritesUrgentFile(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result {
		if strings.Contains(req.Prompt, "birthday") {
			return agent.Result{Text: `{"priority": "important", "reasoning": "birthday in 3 days", "keys": ["marie"], "pre_context": "marie: sister, birthday March 12"}`}
		}
		return normalFinding()
	})

	p, _ := newTestPipeline(t, runner)
	feed(p, "general", "I should get something for Marie's birthday")
	feed(p, "side", "The weather in Lyon has been nice lately")
	waitIdle(t, p)

	got := p.ConsumeUrgent("general")
	if !strings.Contains(got, "birthday in 3 days") {
		t.Errorf("urgent context = %q", got)
	}
	if p.ConsumeUrgent("side") != "" {
		t.Error("normal-priority finding wrote an urgent file")
	}

	recs, _ := p.QueryTrace(0, "general")
	if len(recs) != 1 || !recs[0].Injected {
		t.Errorf("trace did not record injection: %+v", recs)
	}
	if len(recs) == 1 && recs[0].RAGPriority != types.PriorityImportant {
		t.Errorf("trace priority = %q, want important", recs[0].RAGPriority)
	}
}

func TestCorrectionScenario(t *testing.T) {
	var s *store.Store
	runner := &hookRunner{}
	runner.fn = func(req agent.Request) agent.Result {
		switch phase(req) {
		case "rag":
			return normalFinding()
		case "actions":
			// The agent rewrites the budget entry wholesale.
			s.Upsert(store.CategoryProjects, "kitchen-reno",
				"Kitchen renovation, budget 20000 euros",
				store.StatusActive, store.OriginConversation, "")
			return agent.Result{Text: "rewrote kitchen-reno"}
		case "summary":
			return agent.Result{Text: "Corrected the kitchen renovation budget to 20000."}
		default:
			return agent.Result{Text: "done"}
		}
	}

	p, st := newTestPipeline(t, runner)
	s = st
	if _, err := s.Upsert(store.CategoryProjects, "kitchen-reno",
		"Kitchen renovation, budget 15000 euros",
		store.StatusActive, store.OriginConversation, ""); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	feed(p, "general", "Correction: the kitchen renovation budget is 20000 euros, not 15000")
	waitIdle(t, p)

	e, err := s.Get("kitchen-reno")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(e.Content, "20000") || strings.Contains(e.Content, "15000") {
		t.Errorf("content after correction = %q", e.Content)
	}

	// The regenerated document reflects the correction too.
	doc := p.assembler.ReadDocument()
	if !strings.Contains(doc, "20000") || strings.Contains(doc, "15000") {
		t.Errorf("document after correction:\n%s", doc)
	}
}

func TestWriterPhaseToolRestrictions(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result { return normalFinding() })

	p, _ := newTestPipeline(t, runner)
	feed(p, "general", "Marie started a pottery class in Lyon last week")
	waitIdle(t, p)

	var phases = map[string]agent.Request{}
	for _, req := range runner.requests() {
		phases[phase(req)] = req
	}

	audit, ok := phases["audit"]
	if !ok {
		t.Fatal("no audit phase ran")
	}
	for _, tool := range audit.AllowedTools {
		if strings.Contains(tool, "upsert") || strings.Contains(tool, "delete") {
			t.Errorf("audit phase given write tool %s", tool)
		}
	}

	actions := phases["actions"]
	if !containsTool(actions.AllowedTools, "upsert_entry") {
		t.Error("actions phase missing write tools")
	}
	if actions.Resume == "" {
		t.Error("actions phase did not resume the audit session")
	}

	bumps := phases["bumps"]
	if containsTool(bumps.AllowedTools, "upsert_entry") {
		t.Error("bumps phase can upsert")
	}
	if !containsTool(bumps.AllowedTools, "bump_entry") {
		t.Error("bumps phase cannot bump")
	}

	if len(phases["summary"].AllowedTools) != 0 {
		t.Error("summary phase has tools")
	}
}

func containsTool(tools []string, name string) bool {
	for _, t := range tools {
		if strings.Contains(t, name) {
			return true
		}
	}
	return false
}

func TestBatchSummaryInTraceAndContinuity(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result { return normalFinding() })

	p, _ := newTestPipeline(t, runner)
	feed(p, "general", "Marie adopted a cat named Mochi from the shelter")
	waitIdle(t, p)

	recs, _ := p.QueryTrace(0, "")
	if len(recs) != 1 || recs[0].BatchSummary != "Updated the store." {
		t.Errorf("trace = %+v", recs)
	}

	// The next batch's audit prompt carries the previous summary.
	feed(p, "general", "Mochi the cat knocked over a plant today")
	waitIdle(t, p)

	var found bool
	audits := 0
	for _, req := range runner.requests() {
		if phase(req) != "audit" {
			continue
		}
		audits++
		if audits == 2 && strings.Contains(req.Prompt, "Updated the store.") {
			found = true
		}
	}
	if !found {
		t.Error("second audit prompt missing previous batch summary")
	}
}

func TestResetClearsEverything(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result {
		return agent.Result{Text: `{"priority": "important", "reasoning": "r", "keys": [], "pre_context": "x"}`}
	})

	p, s := newTestPipeline(t, runner)
	feed(p, "general", "Marie lives in Lyon with her cat Mochi")
	waitIdle(t, p)

	if err := p.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	stats, _ := s.Stats()
	if stats["entries"] != 0 {
		t.Errorf("entries after reset = %d", stats["entries"])
	}
	if doc := p.assembler.ReadDocument(); doc != "" {
		t.Errorf("document after reset = %q", doc)
	}
	if p.ConsumeUrgent("general") != "" {
		t.Error("urgent files survived reset")
	}
	recs, _ := p.QueryTrace(0, "")
	if len(recs) != 0 {
		t.Errorf("trace records after reset: %d", len(recs))
	}

	// Sequence numbering restarts.
	feed(p, "general", "Fresh start: Paul joined a cycling club in Paris")
	waitIdle(t, p)
	recs, _ = p.QueryTrace(0, "")
	if len(recs) != 1 || recs[0].Seq != 0 {
		t.Errorf("post-reset trace = %+v", recs)
	}
}

func TestStatusReflectsPendingWork(t *testing.T) {
	release := make(chan struct{})
	runner := &hookRunner{}
	runner.fn = writerAware(func(req agent.Request) agent.Result {
		<-release
		return normalFinding()
	})

	p, _ := newTestPipeline(t, runner)
	feed(p, "general", "Marie is planning a trip to Lisbon in October")

	deadline := time.Now().Add(5 * time.Second)
	for p.GetProcessingStatus().PendingRag == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := p.GetProcessingStatus(); st.PendingRag != 1 {
		t.Errorf("status mid-RAG = %+v", st)
	}

	close(release)
	waitIdle(t, p)
	if st := p.GetProcessingStatus(); st.PendingRag != 0 || st.Processing {
		t.Errorf("status after idle = %+v", st)
	}
}
