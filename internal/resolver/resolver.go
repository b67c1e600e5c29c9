// Package resolver maps an OpenAI model name to the LMArena session used to
// execute it. Models with multiple registered sessions are balanced with a
// per-model round-robin cursor; models without a mapping fall back to the
// single global session from the configuration.
package resolver

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
)

// Session is the resolved execution target for one request.
type Session struct {
	SessionID    string
	MessageID    string
	Mode         string
	BattleTarget string
}

// Resolver selects sessions. Safe for concurrent use.
type Resolver struct {
	store  *config.Store
	tables *config.ModelTables

	mu      sync.Mutex
	cursors map[string]int
}

// New creates a resolver over the live config store and model tables.
func New(store *config.Store, tables *config.ModelTables) *Resolver {
	return &Resolver{
		store:   store,
		tables:  tables,
		cursors: make(map[string]int),
	}
}

// Resolve picks the session for a model. Mapped models rotate through their
// endpoint list; unmapped models use the global session and mode. The
// returned session is validated: placeholder or empty IDs fail with
// bridge.ErrInvalidSession.
func (r *Resolver) Resolve(model string) (Session, error) {
	cfg := r.store.Get()

	if endpoints := r.tables.Endpoints(model); len(endpoints) > 0 {
		ep := r.next(model, endpoints)
		s := Session{
			SessionID:    ep.SessionID,
			MessageID:    ep.MessageID,
			Mode:         ep.Mode,
			BattleTarget: ep.BattleTarget,
		}
		if s.Mode == "" {
			s.Mode = cfg.IDUpdaterLastMode
			s.BattleTarget = cfg.IDUpdaterBattleTarget
		}
		if s.Mode == config.ModeBattle && s.BattleTarget == "" {
			s.BattleTarget = "A"
		}
		if err := validate(s); err != nil {
			return Session{}, fmt.Errorf("mapped session for model %q: %w", model, err)
		}
		return s, nil
	}

	if !cfg.UseDefaultSession() {
		return Session{}, fmt.Errorf("model %q has no session mapping and the default session fallback is disabled: %w", model, bridge.ErrInvalidSession)
	}

	s := Session{
		SessionID:    cfg.SessionID,
		MessageID:    cfg.MessageID,
		Mode:         cfg.IDUpdaterLastMode,
		BattleTarget: cfg.IDUpdaterBattleTarget,
	}
	if s.Mode == config.ModeBattle && s.BattleTarget == "" {
		s.BattleTarget = "A"
	}
	if err := validate(s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// next advances the model's cursor and returns the chosen endpoint. The
// cursor is taken modulo the current list length, so mappings can shrink
// between calls without going out of range.
func (r *Resolver) next(model string, endpoints []config.EndpointMapping) config.EndpointMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.cursors[model] % len(endpoints)
	r.cursors[model] = (i + 1) % len(endpoints)
	if len(endpoints) > 1 {
		log.Debugf("model %s: selected session mapping %d of %d", model, i+1, len(endpoints))
	}
	return endpoints[i]
}

// ResetCursors clears all round-robin cursors, used after the endpoint table
// is reloaded.
func (r *Resolver) ResetCursors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = make(map[string]int)
}

func validate(s Session) error {
	if !valid(s.SessionID) || !valid(s.MessageID) {
		return bridge.ErrInvalidSession
	}
	return nil
}

// valid rejects empty IDs and the placeholder values shipped in the example
// configuration.
func valid(id string) bool {
	return id != "" && !strings.HasPrefix(id, "YOUR_")
}
