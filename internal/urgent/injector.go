// Package urgent writes short-lived per-conversation context files: findings
// the assistant should see before its very next turn, and only that turn.
package urgent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/softsense/memoir/internal/logging"
)

const separator = "\n---\n"

// DefaultTTL is how long an injection stays readable before the sweeper
// deletes it.
const DefaultTTL = 5 * time.Minute

// Injector manages per-conversation urgent context files under
// statePath/urgent/.
type Injector struct {
	dir string
	ttl time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-conversation write serialization

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(statePath string, ttl time.Duration) *Injector {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Injector{
		dir:    filepath.Join(statePath, "urgent"),
		ttl:    ttl,
		locks:  make(map[string]*sync.Mutex),
		stopCh: make(chan struct{}),
	}
}

// Start launches the background TTL sweep.
func (inj *Injector) Start() {
	inj.wg.Add(1)
	go func() {
		defer inj.wg.Done()
		ticker := time.NewTicker(inj.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				inj.sweep()
			case <-inj.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (inj *Injector) Stop() {
	close(inj.stopCh)
	inj.wg.Wait()
}

func (inj *Injector) convLock(conversation string) *sync.Mutex {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	l, ok := inj.locks[conversation]
	if !ok {
		l = &sync.Mutex{}
		inj.locks[conversation] = l
	}
	return l
}

// Path returns the file path for one conversation's urgent context.
func (inj *Injector) Path(conversation string) string {
	return filepath.Join(inj.dir, sanitize(conversation)+".md")
}

// Inject writes a finding to the conversation's urgent file. If the file
// already holds unread findings, the new one is appended after a separator.
// Writes to the same conversation are serialized; the file is replaced
// atomically so a concurrent reader never sees a torn write.
func (inj *Injector) Inject(conversation, header, reasoning, preContext string) error {
	l := inj.convLock(conversation)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(inj.dir, 0755); err != nil {
		return fmt.Errorf("create urgent dir: %w", err)
	}

	var sb strings.Builder
	path := inj.Path(conversation)
	if existing, err := os.ReadFile(path); err == nil && len(existing) > 0 {
		sb.Write(existing)
		sb.WriteString(separator)
	}
	fmt.Fprintf(&sb, "## %s\n", header)
	if reasoning != "" {
		fmt.Fprintf(&sb, "%s\n", reasoning)
	}
	if preContext != "" {
		fmt.Fprintf(&sb, "\n%s\n", preContext)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write urgent file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace urgent file: %w", err)
	}
	logging.Debug("urgent", "injected for %s (%d bytes)", conversation, sb.Len())
	return nil
}

// Consume reads and deletes the urgent file for a conversation, returning
// "" if none exists.
func (inj *Injector) Consume(conversation string) string {
	l := inj.convLock(conversation)
	l.Lock()
	defer l.Unlock()

	path := inj.Path(conversation)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	os.Remove(path)
	return string(data)
}

// sweep deletes urgent files older than the TTL.
func (inj *Injector) sweep() {
	entries, err := os.ReadDir(inj.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-inj.ttl)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(inj.dir, e.Name())
			if err := os.Remove(path); err == nil {
				logging.Debug("urgent", "swept expired %s", e.Name())
			}
		}
	}
}

// Clear removes all urgent files. Used by reset.
func (inj *Injector) Clear() error {
	entries, err := os.ReadDir(inj.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		os.Remove(filepath.Join(inj.dir, e.Name()))
	}
	return nil
}

// sanitize makes a conversation name safe as a filename.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
