// Package monitor tracks request activity for the dashboard API: live
// counters, per-model aggregates persisted across restarts, and JSONL
// request/error logs.
package monitor

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logDir = "logs"

// LogStore appends request and error entries to rotating JSONL files under
// logs/ and reads them back for the dashboard.
type LogStore struct {
	mu       sync.Mutex
	requests *lumberjack.Logger
	errors   *lumberjack.Logger
}

// NewLogStore creates the store, rotating each file at 100MB and keeping
// ten generations.
func NewLogStore() *LogStore {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Errorf("cannot create log directory: %v", err)
	}
	return &LogStore{
		requests: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "requests.jsonl"),
			MaxSize:    100,
			MaxBackups: 10,
		},
		errors: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "errors.jsonl"),
			MaxSize:    100,
			MaxBackups: 10,
		},
	}
}

// WriteRequest appends one request entry.
func (s *LogStore) WriteRequest(entry map[string]interface{}) {
	s.write(s.requests, entry)
}

// WriteError appends one error entry.
func (s *LogStore) WriteError(entry map[string]interface{}) {
	s.write(s.errors, entry)
}

func (s *LogStore) write(w *lumberjack.Logger, entry map[string]interface{}) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Errorf("cannot marshal log entry: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err = w.Write(append(data, '\n')); err != nil {
		log.Errorf("cannot append log entry: %v", err)
	}
}

// ReadRecent returns up to limit entries from the current log file, newest
// first. kind is "requests" or "errors"; request reads keep only completed
// entries.
func (s *LogStore) ReadRecent(kind string, limit int) []map[string]interface{} {
	name := "errors.jsonl"
	if kind == "requests" {
		name = "requests.jsonl"
	}

	f, err := os.Open(filepath.Join(logDir, name))
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var all []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)
	for scanner.Scan() {
		var entry map[string]interface{}
		if err = json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if kind == "requests" && entry["type"] != "request_end" {
			continue
		}
		all = append(all, entry)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all
}

// Close flushes and closes the underlying files.
func (s *LogStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.requests.Close()
	_ = s.errors.Close()
}
