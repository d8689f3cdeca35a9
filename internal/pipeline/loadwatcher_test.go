package pipeline

import (
	"testing"
)

func TestLoadWatcherThrottleCycle(t *testing.T) {
	sem := make(chan struct{}, 2)
	w := NewLoadWatcher(sem)

	load := 95.0
	w.cpuPercent = func() (float64, error) { return load, nil }

	w.poll()
	if !w.Holding() {
		t.Fatal("watcher did not take a slot under high load")
	}
	if len(sem) != 1 {
		t.Errorf("semaphore occupancy = %d, want 1", len(sem))
	}

	// Between the watermarks nothing changes.
	load = 70.0
	w.poll()
	if !w.Holding() {
		t.Error("slot released between watermarks")
	}

	load = 40.0
	w.poll()
	if w.Holding() {
		t.Error("slot not released under low load")
	}
	if len(sem) != 0 {
		t.Errorf("semaphore occupancy = %d, want 0", len(sem))
	}
}

func TestLoadWatcherSkipsWhenSemFull(t *testing.T) {
	sem := make(chan struct{}, 1)
	sem <- struct{}{} // all slots busy

	w := NewLoadWatcher(sem)
	w.cpuPercent = func() (float64, error) { return 99.0, nil }
	w.poll()
	if w.Holding() {
		t.Error("watcher blocked on a full semaphore")
	}
}

func TestLoadWatcherStopReleasesSlot(t *testing.T) {
	sem := make(chan struct{}, 1)
	w := NewLoadWatcher(sem)
	w.cpuPercent = func() (float64, error) { return 99.0, nil }
	w.Start()
	w.poll()
	w.Stop()
	if len(sem) != 0 {
		t.Error("stop left a slot held")
	}
}
