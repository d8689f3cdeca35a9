package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/softsense/memoir/internal/types"
)

func TestAppendAndQuery(t *testing.T) {
	r := New(t.TempDir())

	for i := 0; i < 5; i++ {
		rec := &types.TraceRecord{
			Seq:          int64(i),
			Conversation: "general",
			Channel:      "chat",
			GateAccepted: true,
		}
		if i%2 == 1 {
			rec.Conversation = "side"
		}
		if err := r.Append(rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := r.Query(0, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d records, want 5", len(all))
	}
	if all[0].Seq != 0 || all[4].Seq != 4 {
		t.Errorf("records out of order: first=%d last=%d", all[0].Seq, all[4].Seq)
	}
	if all[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped on append")
	}

	recent, err := r.Query(2, "")
	if err != nil {
		t.Fatalf("query limit: %v", err)
	}
	if len(recent) != 2 || recent[0].Seq != 3 {
		t.Errorf("limited query = %+v", recent)
	}

	side, err := r.Query(0, "side")
	if err != nil {
		t.Fatalf("query conversation: %v", err)
	}
	if len(side) != 2 {
		t.Errorf("conversation filter returned %d, want 2", len(side))
	}
}

func TestQueryMissingFile(t *testing.T) {
	r := New(t.TempDir())
	recs, err := r.Query(10, "")
	if err != nil {
		t.Fatalf("query on empty recorder: %v", err)
	}
	if recs != nil {
		t.Errorf("got %v, want nil", recs)
	}
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	r.Append(&types.TraceRecord{Seq: 1, Conversation: "general"})

	f, err := os.OpenFile(filepath.Join(dir, "trace.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{truncated garbage\n")
	f.Close()

	r.Append(&types.TraceRecord{Seq: 2, Conversation: "general"})

	recs, err := r.Query(0, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want 2 (garbage skipped)", len(recs))
	}
}

func TestClear(t *testing.T) {
	r := New(t.TempDir())
	r.Append(&types.TraceRecord{Seq: 1})
	if err := r.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	recs, _ := r.Query(0, "")
	if len(recs) != 0 {
		t.Errorf("records after clear: %d", len(recs))
	}
	// Clearing twice is fine.
	if err := r.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
