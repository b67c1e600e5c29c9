package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ModelInfo is one entry of the model lookup table. ID may be empty when the
// upstream accepts the session's default model.
type ModelInfo struct {
	ID   string
	Type string
}

// EndpointMapping is one session tuple a model can be dispatched with.
type EndpointMapping struct {
	SessionID    string
	MessageID    string
	Mode         string
	BattleTarget string
	Type         string
}

// ModelTables holds the model name lookup table and the per-model endpoint
// map, both hot-reloadable. All lookups are guarded by one mutex; the
// round-robin cursors live in the resolver, not here.
type ModelTables struct {
	mu        sync.RWMutex
	models    map[string]ModelInfo
	endpoints map[string][]EndpointMapping
}

// NewModelTables creates an empty table set.
func NewModelTables() *ModelTables {
	return &ModelTables{
		models:    make(map[string]ModelInfo),
		endpoints: make(map[string][]EndpointMapping),
	}
}

// LoadModels reads models.json. Each value is either "id", "id:type", or
// "null:type" when the upstream default model should be used.
func (t *ModelTables) LoadModels(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model table: %w", err)
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return fmt.Errorf("model table %s is not a JSON object", path)
	}

	models := make(map[string]ModelInfo)
	parsed.ForEach(func(key, value gjson.Result) bool {
		info := ModelInfo{Type: "text"}
		raw := value.String()
		if idx := strings.Index(raw, ":"); idx >= 0 {
			id, typ := raw[:idx], raw[idx+1:]
			if !strings.EqualFold(id, "null") {
				info.ID = id
			}
			if typ != "" {
				info.Type = typ
			}
		} else {
			info.ID = raw
		}
		models[key.String()] = info
		return true
	})

	t.mu.Lock()
	t.models = models
	t.mu.Unlock()
	log.Infof("loaded %d models from %s", len(models), path)
	return nil
}

// LoadEndpoints reads model_endpoint_map.json. Each value is either a single
// mapping object or an ordered list of mapping objects.
func (t *ModelTables) LoadEndpoints(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("endpoint map %s not found, using empty map", path)
			t.mu.Lock()
			t.endpoints = make(map[string][]EndpointMapping)
			t.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read endpoint map: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		t.mu.Lock()
		t.endpoints = make(map[string][]EndpointMapping)
		t.mu.Unlock()
		return nil
	}

	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return fmt.Errorf("endpoint map %s is not a JSON object", path)
	}

	endpoints := make(map[string][]EndpointMapping)
	parsed.ForEach(func(key, value gjson.Result) bool {
		var list []EndpointMapping
		if value.IsArray() {
			value.ForEach(func(_, entry gjson.Result) bool {
				list = append(list, parseMapping(entry))
				return true
			})
		} else if value.IsObject() {
			list = append(list, parseMapping(value))
		}
		if len(list) > 0 {
			endpoints[key.String()] = list
		}
		return true
	})

	t.mu.Lock()
	t.endpoints = endpoints
	t.mu.Unlock()
	log.Infof("loaded %d model endpoint mappings from %s", len(endpoints), path)
	return nil
}

func parseMapping(entry gjson.Result) EndpointMapping {
	return EndpointMapping{
		SessionID:    entry.Get("session_id").String(),
		MessageID:    entry.Get("message_id").String(),
		Mode:         entry.Get("mode").String(),
		BattleTarget: entry.Get("battle_target").String(),
		Type:         entry.Get("type").String(),
	}
}

// SetModels replaces the model table. Used by the page-source extractor.
func (t *ModelTables) SetModels(models map[string]ModelInfo) {
	t.mu.Lock()
	t.models = models
	t.mu.Unlock()
}

// Model returns the table entry for a model name.
func (t *ModelTables) Model(name string) (ModelInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.models[name]
	return info, ok
}

// Endpoints returns the session tuples configured for a model name.
func (t *ModelTables) Endpoints(name string) []EndpointMapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoints[name]
}

// ModelType resolves the model class, preferring the endpoint map's type
// field over the model table, defaulting to text.
func (t *ModelTables) ModelType(name string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if list, ok := t.endpoints[name]; ok && len(list) > 0 && list[0].Type != "" {
		return list[0].Type
	}
	if info, ok := t.models[name]; ok && info.Type != "" {
		return info.Type
	}
	return "text"
}

// Names returns the union of model names from both tables, sorted.
func (t *ModelTables) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.models)+len(t.endpoints))
	for name := range t.endpoints {
		seen[name] = struct{}{}
	}
	for name := range t.models {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
