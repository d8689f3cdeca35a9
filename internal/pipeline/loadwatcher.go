package pipeline

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/softsense/memoir/internal/logging"
)

// LoadWatcher throttles RAG concurrency under system pressure: when CPU
// stays above the high-water mark it grabs one slot of the RAG semaphore
// and holds it until CPU falls below the low-water mark. Agentic sessions
// are exactly the kind of load that compounds, so shedding one slot early
// beats stalling the whole process later.
type LoadWatcher struct {
	sem          chan struct{}
	pollInterval time.Duration
	highWater    float64 // CPU % above which a slot is taken
	lowWater     float64 // CPU % below which it is given back

	mu      sync.Mutex
	holding bool
	running bool

	// cpuPercent is swapped out in tests.
	cpuPercent func() (float64, error)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLoadWatcher watches system CPU and throttles the given semaphore.
func NewLoadWatcher(sem chan struct{}) *LoadWatcher {
	return &LoadWatcher{
		sem:          sem,
		pollInterval: 5 * time.Second,
		highWater:    85.0,
		lowWater:     60.0,
		cpuPercent:   systemCPUPercent,
		stopCh:       make(chan struct{}),
	}
}

func systemCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// Start begins polling.
func (w *LoadWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
	logging.Debug("loadwatcher", "started (high=%.0f%% low=%.0f%%)", w.highWater, w.lowWater)
}

// Stop halts polling and releases any held slot.
func (w *LoadWatcher) Stop() {
	w.mu.Lock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
	w.mu.Unlock()
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.holding {
		<-w.sem
		w.holding = false
	}
}

func (w *LoadWatcher) poll() {
	pct, err := w.cpuPercent()
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case !w.holding && pct > w.highWater:
		// Non-blocking: if every slot is busy there is nothing to shed.
		select {
		case w.sem <- struct{}{}:
			w.holding = true
			logging.Info("loadwatcher", "CPU %.0f%%, throttling RAG by one slot", pct)
		default:
		}
	case w.holding && pct < w.lowWater:
		<-w.sem
		w.holding = false
		logging.Info("loadwatcher", "CPU %.0f%%, restoring RAG slot", pct)
	}
}

// Holding reports whether a slot is currently withheld.
func (w *LoadWatcher) Holding() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holding
}
