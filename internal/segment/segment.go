// Package segment provides the JSONL append/rotate/replay primitives shared
// by the write-ahead log and the event-stream store. Both keep one active,
// append-only segment file and zero or more closed segments; this package
// owns the file-level mechanics (rotation, torn-write-safe replay,
// compaction swap) while the WAL and event-stream packages own the
// envelope semantics (sequencing, checksums, schema).
package segment

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Manager owns one family of segment files under a directory, all sharing
// a filename scheme produced by Namer and parsed back by Matcher.
type Manager struct {
	mu      sync.Mutex
	dir     string
	maxSize int64
	namer   func(segmentID string) string
	matcher func(filename string) (segmentID string, ok bool)

	activeID   string
	activeFile *os.File
	activeSize int64
	prunable   map[string]bool
}

// NewManager creates the segment directory if needed and returns a Manager
// with no active segment open yet; call Open to recover or create one.
func NewManager(dir string, maxSize int64, namer func(string) string, matcher func(string) (string, bool)) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	return &Manager{
		dir:      dir,
		maxSize:  maxSize,
		namer:    namer,
		matcher:  matcher,
		prunable: make(map[string]bool),
	}, nil
}

// Open recovers the most recent segment as active, or opens a fresh one if
// none exist. newSegmentID is used only when no segments exist on disk.
func (m *Manager) Open(newSegmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.listLocked()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return m.openActiveLocked(newSegmentID)
	}
	last := files[len(files)-1]
	id, _ := m.matcher(last)
	return m.openActiveLocked(id)
}

func (m *Manager) openActiveLocked(id string) error {
	path := filepath.Join(m.dir, m.namer(id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat segment %s: %w", id, err)
	}
	m.activeID = id
	m.activeFile = f
	m.activeSize = info.Size()
	return nil
}

// ActiveSegment returns the current active segment id.
func (m *Manager) ActiveSegment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// AppendLine writes line plus a trailing newline to the active segment,
// rotating first via newSegmentID if the write would exceed maxSize.
func (m *Manager) AppendLine(line []byte, newSegmentID func() string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeFile == nil {
		return fmt.Errorf("segment manager not open")
	}
	if m.maxSize > 0 && m.activeSize+int64(len(line))+1 > m.maxSize {
		if err := m.rotateLocked(newSegmentID()); err != nil {
			return err
		}
	}
	n, err := m.activeFile.Write(append(append([]byte{}, line...), '\n'))
	if err != nil {
		return fmt.Errorf("append line: %w", err)
	}
	m.activeSize += int64(n)
	return nil
}

// Rotate closes the active segment and opens a fresh one with id.
func (m *Manager) Rotate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked(id)
}

func (m *Manager) rotateLocked(id string) error {
	if m.activeFile != nil {
		if err := m.activeFile.Close(); err != nil {
			return fmt.Errorf("close segment %s: %w", m.activeID, err)
		}
	}
	return m.openActiveLocked(id)
}

// ListSegments returns this family's segment filenames in lexicographic
// (and therefore chronological, since ids are ULID-class) order.
func (m *Manager) ListSegments() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := m.matcher(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// SegmentCount returns how many segment files exist for this family.
func (m *Manager) SegmentCount() (int, error) {
	files, err := m.ListSegments()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// ReplayLines invokes visit for every complete line across all segments in
// order. A final line in any file lacking a trailing newline is a torn
// write and is silently discarded, never passed to visit.
func (m *Manager) ReplayLines(visit func(filename string, line []byte) error) error {
	files, err := m.ListSegments()
	if err != nil {
		return err
	}
	for _, name := range files {
		lines, err := m.ReadSegmentLines(name)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := visit(name, line); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSegmentLines returns the complete (non-torn) lines of one segment
// file, in file order.
func (m *Manager) ReadSegmentLines(filename string) ([][]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", filename, err)
	}
	lines := bytes.Split(data, []byte("\n"))
	// The split on a well-formed (trailing-newline) file produces a
	// trailing empty element; on a torn file the trailing element is a
	// non-empty partial line. Either way it is dropped.
	if len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// MarkPrunable flags segment ids (not filenames) as eligible for pruning.
// The active segment is never pruned even if marked.
func (m *Manager) MarkPrunable(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.prunable[id] = true
	}
}

// Prune removes marked, non-active segment files and returns how many were
// removed.
func (m *Manager) Prune() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.listLocked()
	if err != nil {
		return 0, err
	}
	var removed int
	for _, name := range files {
		id, _ := m.matcher(name)
		if id == m.activeID || !m.prunable[id] {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return removed, fmt.Errorf("remove segment %s: %w", name, err)
		}
		delete(m.prunable, id)
		removed++
	}
	return removed, nil
}

// WriteCompactedSegment writes lines to a brand new segment file named by
// id and returns its filename. The caller removes superseded segments
// afterward via RemoveSegments once the new file is durably written.
func (m *Manager) WriteCompactedSegment(id string, lines [][]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := m.namer(id)
	path := filepath.Join(m.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create compacted segment: %w", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.Write(append(append([]byte{}, line...), '\n')); err != nil {
			return "", fmt.Errorf("write compacted segment: %w", err)
		}
	}
	return name, nil
}

// RemoveSegments deletes the named (non-active) segment files, used after a
// successful compaction swap.
func (m *Manager) RemoveSegments(filenames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range filenames {
		if id, ok := m.matcher(name); ok && id == m.activeID {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the active segment file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeFile == nil {
		return nil
	}
	err := m.activeFile.Close()
	m.activeFile = nil
	return err
}
