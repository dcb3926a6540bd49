package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/storage"
)

// Store is the durable, project-scoped allow-list: one pattern per line in a
// plain-text file. Reads are concurrent; writes are serialized across
// processes with a file lock and an atomic rename.
type Store struct {
	path string
	lock *storage.FileLock

	mu       sync.RWMutex
	patterns []*Pattern

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a store backed by the given file and loads it. A missing
// file is an empty allow-list, not an error.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		lock: storage.NewFileLock(path),
		done: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading the allow-list whenever the file changes on disk,
// so edits made outside warden take effect without a restart.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: the file itself is replaced by rename on every
	// write, which drops a direct watch.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = watcher
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				logging.Warn().Err(err).Str("path", s.path).Msg("failed to reload allow-list")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("allow-list watcher error")
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Patterns returns the current patterns. The returned slice must not be
// mutated.
func (s *Store) Patterns() []*Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patterns
}

// Append persists a new pattern, deduplicating against existing entries.
func (s *Store) Append(p *Pattern) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock allow-list: %w", err)
	}
	defer s.lock.Unlock()

	// Re-read under the lock: another process may have appended since our
	// last load.
	lines, err := readLines(s.path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == p.String() {
			return s.reloadLocked(lines)
		}
	}
	lines = append(lines, p.String())

	tmp := s.path + ".tmp"
	data := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write allow-list: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace allow-list: %w", err)
	}

	return s.reloadLocked(lines)
}

func (s *Store) reload() error {
	lines, err := readLines(s.path)
	if err != nil {
		return err
	}
	return s.reloadLocked(lines)
}

// reloadLocked parses lines into compiled patterns. Lines that fail to parse
// are logged and skipped: a corrupt entry must never disable authorization
// checks for the rest of the list.
func (s *Store) reloadLocked(lines []string) error {
	patterns := make([]*Pattern, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := Parse(line)
		if err != nil {
			logging.Warn().Err(err).Str("pattern", line).Msg("skipping invalid allow-list pattern")
			continue
		}
		patterns = append(patterns, p)
	}

	s.mu.Lock()
	s.patterns = patterns
	s.mu.Unlock()
	return nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read allow-list: %w", err)
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
