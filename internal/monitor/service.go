package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	maxRecentRequests = 1000
	maxRecentErrors   = 50
)

var statsBucket = []byte("model_stats")

// RequestRecord is one tracked request.
type RequestRecord struct {
	RequestID     string  `json:"request_id"`
	Timestamp     float64 `json:"timestamp"`
	Model         string  `json:"model"`
	Status        string  `json:"status"`
	DurationSec   float64 `json:"duration,omitempty"`
	Error         string  `json:"error,omitempty"`
	MessagesCount int     `json:"messages_count"`
	OutputTokens  int     `json:"output_tokens,omitempty"`
}

// modelStat is the persisted per-model aggregate.
type modelStat struct {
	Total             int64   `json:"total"`
	Success           int64   `json:"success"`
	Failed            int64   `json:"failed"`
	TotalDurationSec  float64 `json:"total_duration"`
	CountWithDuration int64   `json:"count_with_duration"`
}

// Stats is the dashboard summary block.
type Stats struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	ActiveRequests     int     `json:"active_requests"`
	AvgDurationSec     float64 `json:"avg_duration"`
	UptimeSec          float64 `json:"uptime"`
}

// ModelStats is the per-model dashboard row.
type ModelStats struct {
	Model              string  `json:"model"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	AvgDurationSec     float64 `json:"avg_duration"`
	SuccessRate        float64 `json:"success_rate"`
}

// Service aggregates request activity. Per-model totals survive restarts
// through a bbolt snapshot; recent request and error rings are in-memory.
type Service struct {
	mu      sync.Mutex
	start   time.Time
	active  map[string]*RequestRecord
	recent  []*RequestRecord
	errors  []*RequestRecord
	byModel map[string]*modelStat

	db   *bolt.DB
	logs *LogStore
}

// NewService opens the stats snapshot at dbPath and loads persisted model
// aggregates. logs may be nil when request logging is disabled.
func NewService(dbPath string, logs *LogStore) (*Service, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	s := &Service{
		start:   time.Now(),
		active:  make(map[string]*RequestRecord),
		byModel: make(map[string]*modelStat),
		db:      db,
		logs:    logs,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, berr := tx.CreateBucketIfNotExists(statsBucket)
		if berr != nil {
			return berr
		}
		return b.ForEach(func(k, v []byte) error {
			var st modelStat
			if uerr := json.Unmarshal(v, &st); uerr != nil {
				log.Warnf("dropping corrupt stats entry for model %s: %v", k, uerr)
				return nil
			}
			s.byModel[string(k)] = &st
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// RequestStart registers a new in-flight request.
func (s *Service) RequestStart(requestID, model string, messagesCount int) {
	rec := &RequestRecord{
		RequestID:     requestID,
		Timestamp:     float64(time.Now().UnixMilli()) / 1000,
		Model:         model,
		Status:        "active",
		MessagesCount: messagesCount,
	}

	s.mu.Lock()
	s.active[requestID] = rec
	s.mu.Unlock()

	if s.logs != nil {
		s.logs.WriteRequest(map[string]interface{}{
			"type":       "request_start",
			"request_id": requestID,
			"model":      model,
			"timestamp":  rec.Timestamp,
		})
	}
}

// RequestEnd finalizes a request with its outcome.
func (s *Service) RequestEnd(requestID string, success bool, errMsg string, outputTokens int) {
	s.mu.Lock()
	rec, ok := s.active[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, requestID)

	now := float64(time.Now().UnixMilli()) / 1000
	rec.DurationSec = now - rec.Timestamp
	rec.OutputTokens = outputTokens
	if success {
		rec.Status = "success"
	} else {
		rec.Status = "failed"
		rec.Error = errMsg
	}

	st, ok := s.byModel[rec.Model]
	if !ok {
		st = &modelStat{}
		s.byModel[rec.Model] = st
	}
	st.Total++
	if success {
		st.Success++
	} else {
		st.Failed++
	}
	st.TotalDurationSec += rec.DurationSec
	st.CountWithDuration++

	s.recent = append(s.recent, rec)
	if len(s.recent) > maxRecentRequests {
		s.recent = s.recent[1:]
	}
	if !success {
		s.errors = append(s.errors, rec)
		if len(s.errors) > maxRecentErrors {
			s.errors = s.errors[1:]
		}
	}
	s.mu.Unlock()

	if s.logs != nil {
		entry := map[string]interface{}{
			"type":       "request_end",
			"request_id": requestID,
			"model":      rec.Model,
			"status":     rec.Status,
			"duration":   rec.DurationSec,
			"timestamp":  now,
		}
		if !success {
			entry["error"] = errMsg
			s.logs.WriteError(entry)
		}
		s.logs.WriteRequest(entry)
	}
}

// Stats returns the summary block.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		ActiveRequests: len(s.active),
		UptimeSec:      time.Since(s.start).Seconds(),
	}
	for _, st := range s.byModel {
		out.TotalRequests += st.Total
		out.SuccessfulRequests += st.Success
		out.FailedRequests += st.Failed
	}

	window := s.recent
	if len(window) > 100 {
		window = window[len(window)-100:]
	}
	var sum float64
	var n int
	for _, rec := range window {
		if rec.DurationSec > 0 {
			sum += rec.DurationSec
			n++
		}
	}
	if n > 0 {
		out.AvgDurationSec = sum / float64(n)
	}
	return out
}

// ModelStatsList returns per-model rows sorted by request volume.
func (s *Service) ModelStatsList() []ModelStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ModelStats, 0, len(s.byModel))
	for model, st := range s.byModel {
		row := ModelStats{
			Model:              model,
			TotalRequests:      st.Total,
			SuccessfulRequests: st.Success,
			FailedRequests:     st.Failed,
		}
		if st.CountWithDuration > 0 {
			row.AvgDurationSec = st.TotalDurationSec / float64(st.CountWithDuration)
		}
		if st.Total > 0 {
			row.SuccessRate = float64(st.Success) / float64(st.Total) * 100
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalRequests > out[j].TotalRequests })
	return out
}

// ActiveRequests lists in-flight requests.
func (s *Service) ActiveRequests() []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestRecord, 0, len(s.active))
	for _, rec := range s.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// RecentRequests lists finished requests, newest first.
func (s *Service) RecentRequests(limit int) []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyNewestFirst(s.recent, limit)
}

// RecentErrors lists failed requests, newest first.
func (s *Service) RecentErrors(limit int) []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyNewestFirst(s.errors, limit)
}

func copyNewestFirst(src []*RequestRecord, limit int) []RequestRecord {
	if limit <= 0 || limit > len(src) {
		limit = len(src)
	}
	out := make([]RequestRecord, 0, limit)
	for i := len(src) - 1; i >= len(src)-limit; i-- {
		out = append(out, *src[i])
	}
	return out
}

// ReadLogs returns recent JSONL entries, or nil when request logging is
// disabled.
func (s *Service) ReadLogs(kind string, limit int) []map[string]interface{} {
	if s.logs == nil {
		return nil
	}
	return s.logs.ReadRecent(kind, limit)
}

// Persist snapshots the per-model aggregates to bbolt.
func (s *Service) Persist() error {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.byModel))
	for model, st := range s.byModel {
		data, err := json.Marshal(st)
		if err != nil {
			continue
		}
		snapshot[model] = data
	}
	s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statsBucket)
		for model, data := range snapshot {
			if err := b.Put([]byte(model), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunPersist snapshots periodically until ctx is cancelled.
func (s *Service) RunPersist(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Persist(); err != nil {
				log.Errorf("stats snapshot failed: %v", err)
			}
		}
	}
}

// Close persists a final snapshot and closes the database.
func (s *Service) Close() {
	if err := s.Persist(); err != nil {
		log.Errorf("final stats snapshot failed: %v", err)
	}
	_ = s.db.Close()
	if s.logs != nil {
		s.logs.Close()
	}
}
