// Package trace keeps the append-only processing log: one JSONL record per
// exchange, covering the gate decision, RAG outcome, injection, and writer
// cost. Records are never rewritten; a crash at worst loses the unflushed
// tail.
package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/types"
)

// Recorder writes trace records to statePath/trace.jsonl.
type Recorder struct {
	path string
	mu   sync.Mutex
}

func New(statePath string) *Recorder {
	return &Recorder{
		path: filepath.Join(statePath, "trace.jsonl"),
	}
}

// Append writes one record.
func (r *Recorder) Append(rec *types.TraceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Query returns the most recent limit records, oldest first, optionally
// filtered to one conversation. Malformed lines are skipped.
func (r *Recorder) Query(limit int, conversation string) ([]*types.TraceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []*types.TraceRecord
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec types.TraceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logging.Debug("trace", "skipping malformed line: %v", err)
			continue
		}
		if conversation != "" && rec.Conversation != conversation {
			continue
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Clear removes the trace log. Used by reset.
func (r *Recorder) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
