// Package pipeline orchestrates the memory flow: admission with sequence
// numbers, gate, bounded-parallel RAG, ordered release into the four-phase
// context writer, document regeneration, and tracing. One Pipeline owns all
// of that state; nothing here is package-global, so several independent
// stores can live in one process and reset is testable in isolation.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/softsense/memoir/internal/agent"
	"github.com/softsense/memoir/internal/assemble"
	"github.com/softsense/memoir/internal/gate"
	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/rag"
	"github.com/softsense/memoir/internal/settings"
	"github.com/softsense/memoir/internal/store"
	"github.com/softsense/memoir/internal/trace"
	"github.com/softsense/memoir/internal/types"
	"github.com/softsense/memoir/internal/urgent"
)

const (
	// ragParallelism bounds concurrent agentic retrieval sessions.
	ragParallelism = 3
	// recentPerConversation exchanges are kept as RAG context.
	recentPerConversation = 5
	// resetWait bounds how long Reset waits for an in-flight batch.
	resetWait = 30 * time.Second
)

// Config wires a Pipeline's collaborators.
type Config struct {
	StatePath string
	Store     *store.Store
	Gate      *gate.Gate
	Runner    agent.Runner
	Settings  *settings.Store
	// Generator powers pre-search reformulation; may be nil.
	Generator rag.Generator
	// UrgentTTL overrides the urgent-context TTL; zero means default.
	UrgentTTL time.Duration
	// ThrottleOnLoad enables the CPU load watcher.
	ThrottleOnLoad bool
}

// Status is the externally visible processing state, polled before
// destructive operations.
type Status struct {
	Processing      bool      `json:"processing"`
	QueueLength     int       `json:"queueLength"`
	PendingRag      int       `json:"pendingRag"`
	LastCompletedAt time.Time `json:"lastCompletedAt"`
}

// outcome is one exchange's result after gate+RAG, waiting for ordered
// release.
type outcome struct {
	seq      int64
	exchange *types.Exchange
	trace    *types.TraceRecord
	// item is nil for gate-skipped exchanges, which still flow through the
	// reorder buffer so ordering never stalls behind them.
	item *BatchItem
}

// Pipeline is one memory pipeline instance over one store.
type Pipeline struct {
	statePath string
	store     *store.Store
	gate      *gate.Gate
	analyzer  *rag.Analyzer
	writer    *Writer
	assembler *assemble.Assembler
	injector  *urgent.Injector
	tracer    *trace.Recorder
	settings  *settings.Store
	pre       *rag.PreSearcher
	watcher   *LoadWatcher

	ragSem   chan struct{}
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu              sync.Mutex
	nextSeq         int64
	nextRelease     int64
	buffered        map[int64]*outcome
	ready           []*outcome
	recent          map[string][]*types.Exchange
	pendingRag      int
	processing      bool
	lastCompletedAt time.Time
}

// New assembles a pipeline. Call Start before feeding exchanges.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		statePath: cfg.StatePath,
		store:     cfg.Store,
		gate:      cfg.Gate,
		analyzer:  rag.NewAnalyzer(cfg.Runner),
		writer:    NewWriter(cfg.Runner, cfg.StatePath),
		assembler: assemble.New(cfg.Store, cfg.StatePath),
		injector:  urgent.New(cfg.StatePath, cfg.UrgentTTL),
		tracer:    trace.New(cfg.StatePath),
		settings:  cfg.Settings,
		pre:       rag.NewPreSearcher(cfg.Store, cfg.Generator),
		ragSem:    make(chan struct{}, ragParallelism),
		notifyCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		buffered:  make(map[int64]*outcome),
		recent:    make(map[string][]*types.Exchange),
	}
	if cfg.ThrottleOnLoad {
		p.watcher = NewLoadWatcher(p.ragSem)
	}
	return p
}

// Start launches the writer loop and background workers.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.writerLoop()
	p.injector.Start()
	if p.watcher != nil {
		p.watcher.Start()
	}
	logging.Info("pipeline", "started (rag parallelism %d)", ragParallelism)
}

// Shutdown stops background work. In-flight RAG goroutines are abandoned to
// their contexts; the current batch finishes.
func (p *Pipeline) Shutdown() {
	close(p.stopCh)
	p.injector.Stop()
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.wg.Wait()
}

// FeedExchange admits one exchange and returns immediately. All processing
// is asynchronous; nothing here can fail in a way the caller must handle.
func (p *Pipeline) FeedExchange(ex *types.Exchange) {
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	conv := ex.ConversationKey()
	prior := append([]*types.Exchange(nil), p.recent[conv]...)
	p.recent[conv] = appendBounded(p.recent[conv], ex, recentPerConversation)
	p.pendingRag++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.process(seq, ex, prior)
}

// process runs gate and RAG for one exchange, then delivers the outcome to
// the reorder buffer.
func (p *Pipeline) process(seq int64, ex *types.Exchange, prior []*types.Exchange) {
	defer p.wg.Done()

	rec := &types.TraceRecord{
		Timestamp:    time.Now().UTC(),
		Seq:          seq,
		Conversation: ex.ConversationKey(),
		Channel:      ex.Channel,
	}
	o := &outcome{seq: seq, exchange: ex, trace: rec}

	decision := p.gate.Evaluate(ex, prior)
	rec.GateAccepted = decision.Accept
	rec.GateReason = decision.Reason
	if !decision.Accept {
		logging.Debug("pipeline", "seq %d gated out: %s", seq, decision.Reason)
		p.deliver(o)
		return
	}

	// Bounded RAG parallelism.
	select {
	case p.ragSem <- struct{}{}:
	case <-p.stopCh:
		p.deliver(o)
		return
	}
	finding := p.analyzer.Analyze(context.Background(), ex, prior, p.assembler.ReadDocument())
	<-p.ragSem

	rec.RAG = finding.Stats
	rec.RAGPriority = finding.Priority
	rec.RAGKeys = finding.Keys
	rec.RAGFallback = finding.Fallback

	if finding.Priority == types.PriorityImportant || finding.Priority == types.PriorityCritical {
		header := fmt.Sprintf("Memory finding (%s)", finding.Priority)
		if err := p.injector.Inject(ex.ConversationKey(), header, finding.Reasoning, finding.PreContext); err != nil {
			logging.Info("pipeline", "urgent injection failed for seq %d: %v", seq, err)
			rec.InjectError = err.Error()
		} else {
			rec.Injected = true
		}
	}

	o.item = &BatchItem{
		Seq:      seq,
		Exchange: ex,
		Finding: &ragOutcome{
			Priority:  finding.Priority,
			Reasoning: finding.Reasoning,
			Keys:      finding.Keys,
		},
	}
	p.deliver(o)
}

// deliver buffers a completed outcome and releases the contiguous run
// starting at nextRelease, preserving admission order for the writer.
func (p *Pipeline) deliver(o *outcome) {
	p.mu.Lock()
	p.pendingRag--
	p.buffered[o.seq] = o
	for {
		next, ok := p.buffered[p.nextRelease]
		if !ok {
			break
		}
		delete(p.buffered, p.nextRelease)
		p.ready = append(p.ready, next)
		p.nextRelease++
	}
	released := len(p.ready)
	p.mu.Unlock()

	if released > 0 {
		select {
		case p.notifyCh <- struct{}{}:
		default:
		}
	}
}

// writerLoop drains released outcomes into writer batches, one batch at a
// time. Outcomes arriving mid-batch wait for the next pass; the buffered
// notify channel guarantees that pass happens.
func (p *Pipeline) writerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.notifyCh:
			p.runBatches()
		}
	}
}

// runBatches drains and processes until no released work remains.
func (p *Pipeline) runBatches() {
	for {
		p.mu.Lock()
		batch := p.ready
		p.ready = nil
		if len(batch) == 0 {
			p.mu.Unlock()
			return
		}
		p.processing = true
		p.mu.Unlock()

		p.runBatch(batch)

		p.mu.Lock()
		p.processing = false
		p.lastCompletedAt = time.Now().UTC()
		p.mu.Unlock()
	}
}

// runBatch feeds the accepted outcomes of one batch through the writer,
// regenerates the document, refreshes embeddings, snapshots the store, and
// flushes traces. A writer failure flushes the traces early with whatever
// partial data exists; there is no retry.
func (p *Pipeline) runBatch(batch []*outcome) {
	var items []*BatchItem
	for _, o := range batch {
		if o.item != nil {
			items = append(items, o.item)
		}
	}

	if len(items) > 0 {
		summary, stats, err := p.writer.RunBatch(context.Background(), items)
		for _, o := range batch {
			if o.item == nil {
				continue
			}
			o.trace.Writer = stats
			o.trace.BatchSummary = summary
			if err != nil {
				o.trace.WriterError = err.Error()
			}
		}
		if err != nil {
			logging.Info("pipeline", "writer batch failed: %v", err)
			p.flushTraces(batch)
			return
		}

		if err := p.assembler.WriteDocument(p.settings.Get()); err != nil {
			logging.Info("pipeline", "document regeneration failed: %v", err)
		}
		if _, err := p.store.RefreshDirtyEmbeddings(); err != nil {
			logging.Info("pipeline", "embedding refresh failed: %v", err)
		}
		if err := p.store.Snapshot(); err != nil {
			logging.Info("pipeline", "snapshot failed: %v", err)
		}
	}

	p.flushTraces(batch)
}

func (p *Pipeline) flushTraces(batch []*outcome) {
	for _, o := range batch {
		if err := p.tracer.Append(o.trace); err != nil {
			logging.Info("pipeline", "trace append failed for seq %d: %v", o.seq, err)
		}
	}
}

// GetProcessingStatus reports the pipeline's current load.
func (p *Pipeline) GetProcessingStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Processing:      p.processing,
		QueueLength:     len(p.ready) + len(p.buffered),
		PendingRag:      p.pendingRag,
		LastCompletedAt: p.lastCompletedAt,
	}
}

// RunPreSearch is the synchronous best-effort retrieval path.
func (p *Pipeline) RunPreSearch(rawText string) string {
	return p.pre.Run(rawText)
}

// ConsumeUrgent reads and clears the urgent context for a conversation.
func (p *Pipeline) ConsumeUrgent(conversation string) string {
	return p.injector.Consume(conversation)
}

// QueryTrace returns recent trace records.
func (p *Pipeline) QueryTrace(limit int, conversation string) ([]*types.TraceRecord, error) {
	return p.tracer.Query(limit, conversation)
}

// Reset wipes everything: store, document, urgent files, trace log, and
// cross-batch continuity. It waits up to resetWait for an in-flight batch,
// then proceeds anyway — a hung agent session must not make reset hang too.
func (p *Pipeline) Reset() error {
	deadline := time.Now().Add(resetWait)
	for {
		p.mu.Lock()
		busy := p.processing || p.pendingRag > 0
		p.mu.Unlock()
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			logging.Info("pipeline", "reset proceeding despite in-flight work")
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	p.mu.Lock()
	p.nextSeq = 0
	p.nextRelease = 0
	p.buffered = make(map[int64]*outcome)
	p.ready = nil
	p.recent = make(map[string][]*types.Exchange)
	p.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(p.store.Clear())
	if err := os.Remove(p.assembler.DocumentPath()); err != nil && !os.IsNotExist(err) {
		record(err)
	}
	record(p.injector.Clear())
	record(p.tracer.Clear())
	record(p.writer.ClearContinuity())
	logging.Info("pipeline", "reset complete")
	return firstErr
}

func appendBounded(list []*types.Exchange, ex *types.Exchange, max int) []*types.Exchange {
	list = append(list, ex)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
