package callstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// logFileName is the fixed name of the call log inside the data directory.
const logFileName = "calls.ndjson"

// appendQueueSize bounds the write queue. Appends block (preserving order)
// if the writer falls this far behind, which in practice never happens for
// call-rate mutations.
const appendQueueSize = 1024

// Store is the durable call log: one JSON-encoded CallRecord per line,
// append-only. Appends are serialized through a single writer goroutine so
// two rapid mutations of the same call cannot persist out of order. Appends
// are ordered by issuance but not synchronously flushed; on crash the last
// durable state per call is what recovery yields.
type Store struct {
	logger *slog.Logger
	file   *os.File

	queue chan []byte
	wg    sync.WaitGroup

	mu     sync.Mutex
	latest map[string]*CallRecord // last appended record per call id
	closed bool
}

// Open opens (or creates) the call log under dataDir, replays it to rebuild
// the latest-record-per-call table, and starts the writer goroutine.
// Malformed lines are skipped and counted.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dataDir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening call log: %w", err)
	}

	s := &Store{
		logger: logger.With("subsystem", "callstore"),
		file:   f,
		queue:  make(chan []byte, appendQueueSize),
		latest: make(map[string]*CallRecord),
	}

	lines, malformed, err := s.replay()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("replaying call log: %w", err)
	}

	s.wg.Add(1)
	go s.writeLoop()

	s.logger.Info("call log opened",
		"path", path,
		"lines", lines,
		"malformed", malformed,
		"calls", len(s.latest),
	)
	return s, nil
}

// replay reads the whole log, keeping the last record per call id.
func (s *Store) replay() (lines, malformed int, err error) {
	if _, err := s.file.Seek(0, 0); err != nil {
		return 0, 0, fmt.Errorf("seeking call log: %w", err)
	}

	scanner := bufio.NewScanner(s.file)
	// Transcripts can make individual lines large.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		lines++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec CallRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.CallID == "" {
			malformed++
			continue
		}
		s.latest[rec.CallID] = &rec
	}
	if err := scanner.Err(); err != nil {
		return lines, malformed, fmt.Errorf("scanning call log: %w", err)
	}
	if malformed > 0 {
		s.logger.Warn("skipped malformed call log lines", "count", malformed)
	}
	return lines, malformed, nil
}

// writeLoop drains the append queue to the log file in issuance order.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for line := range s.queue {
		if _, err := s.file.Write(line); err != nil {
			s.logger.Error("call log write failed", "error", err)
		}
	}
	if err := s.file.Sync(); err != nil {
		s.logger.Error("call log sync failed", "error", err)
	}
}

// Append persists the current state of rec by appending a full snapshot to
// the log. The in-memory table is updated immediately; the disk write is
// sequenced but asynchronous.
func (s *Store) Append(rec *CallRecord) error {
	snapshot := rec.Clone()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding call record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("call store is closed")
	}
	s.latest[snapshot.CallID] = snapshot
	// Enqueue under the lock so per-call append order matches the order
	// the table observed the mutations in.
	s.queue <- data
	s.mu.Unlock()
	return nil
}

// Get returns the last persisted record for the given call id, or nil.
func (s *Store) Get(callID string) *CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.latest[callID]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Active returns the non-terminal records, i.e. the calls that were live
// when the process last ran. Used at startup to rebuild the active set and
// the provider-id index.
func (s *Store) Active() []*CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*CallRecord
	for _, rec := range s.latest {
		if !rec.State.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of distinct calls in the log.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latest)
}

// Close stops the writer after draining pending appends and closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.file.Close()
}
