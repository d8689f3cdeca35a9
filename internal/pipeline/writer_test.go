package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/types"
)

func batchOf(msgs ...string) []*BatchItem {
	var items []*BatchItem
	for i, m := range msgs {
		items = append(items, &BatchItem{
			Seq: int64(i),
			Exchange: &types.Exchange{
				Channel:          "chat",
				ConversationName: "general",
				UserMessage:      m,
				AssistantReply:   "ok",
				Timestamp:        time.Now(),
			},
		})
	}
	return items
}

func TestRunBatchAttachesSummary(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = func(req agent.Request) agent.Result {
		if phase(req) == "summary" {
			return agent.Result{Text: "Added two entries about Marie."}
		}
		return agent.Result{Text: "ok", Turns: 1, ToolCalls: 2}
	}

	w := NewWriter(runner, t.TempDir())
	batch := batchOf("Marie moved", "Marie got a cat")
	summary, stats, err := w.RunBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if summary != "Added two entries about Marie." {
		t.Errorf("summary = %q", summary)
	}
	for _, item := range batch {
		if item.Exchange.MemorySummary != summary {
			t.Errorf("summary not attached to exchange %d", item.Seq)
		}
	}
	// Three tool-using phases ran.
	if stats.ToolCalls != 6 {
		t.Errorf("aggregated tool calls = %d", stats.ToolCalls)
	}

	// All later phases resumed the audit session.
	reqs := runner.requests()
	if len(reqs) != 4 {
		t.Fatalf("ran %d phases, want 4", len(reqs))
	}
	auditSession := "session-1"
	for _, req := range reqs[1:] {
		if req.Resume != auditSession {
			t.Errorf("phase did not resume audit session: %+v", req)
		}
	}
}

func TestRunBatchStopsOnPhaseFailure(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = func(req agent.Request) agent.Result {
		if phase(req) == "actions" {
			return agent.Result{Err: errors.New("session crashed"), Turns: 1}
		}
		return agent.Result{Text: "ok", Turns: 1}
	}

	w := NewWriter(runner, t.TempDir())
	_, stats, err := w.RunBatch(context.Background(), batchOf("something"))
	if err == nil || !strings.Contains(err.Error(), "actions phase") {
		t.Fatalf("err = %v", err)
	}
	// Stats cover the phases that ran (audit + failed actions).
	if stats.Turns != 2 {
		t.Errorf("stats.Turns = %d, want 2", stats.Turns)
	}
	if len(runner.requests()) != 2 {
		t.Errorf("phases ran after failure: %d requests", len(runner.requests()))
	}
}

func TestContinuityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	runner := &hookRunner{}
	runner.fn = func(req agent.Request) agent.Result {
		if phase(req) == "summary" {
			return agent.Result{Text: "First batch summary."}
		}
		return agent.Result{Text: "ok"}
	}

	w := NewWriter(runner, dir)
	if _, _, err := w.RunBatch(context.Background(), batchOf("a fact")); err != nil {
		t.Fatalf("batch 1: %v", err)
	}

	// Second batch's audit sees the first summary.
	if _, _, err := w.RunBatch(context.Background(), batchOf("another fact")); err != nil {
		t.Fatalf("batch 2: %v", err)
	}
	reqs := runner.requests()
	secondAudit := reqs[4]
	if !strings.Contains(secondAudit.Prompt, "First batch summary.") {
		t.Errorf("second audit prompt missing continuity:\n%s", secondAudit.Prompt)
	}

	if err := w.ClearContinuity(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if w.loadContinuity() != nil {
		t.Error("continuity survived clear")
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	runner := &hookRunner{}
	runner.fn = func(req agent.Request) agent.Result { return agent.Result{} }
	w := NewWriter(runner, t.TempDir())
	if _, _, err := w.RunBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if len(runner.requests()) != 0 {
		t.Error("empty batch invoked the runner")
	}
}
