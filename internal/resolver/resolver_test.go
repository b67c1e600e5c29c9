package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
)

func newStore(mutate func(*config.Config)) *config.Store {
	cfg := &config.Config{
		SessionID: "global-session",
		MessageID: "global-message",
	}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}
	return config.NewStore(cfg)
}

func tablesWithEndpoints(t *testing.T, content string) *config.ModelTables {
	t.Helper()
	path := filepath.Join(t.TempDir(), "endpoints.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	tables := config.NewModelTables()
	require.NoError(t, tables.LoadEndpoints(path))
	return tables
}

func TestResolve_GlobalFallback(t *testing.T) {
	r := New(newStore(nil), config.NewModelTables())

	s, err := r.Resolve("unmapped-model")
	require.NoError(t, err)
	assert.Equal(t, "global-session", s.SessionID)
	assert.Equal(t, "global-message", s.MessageID)
	assert.Equal(t, config.ModeDirectChat, s.Mode)
}

func TestResolve_FallbackDisabled(t *testing.T) {
	store := newStore(func(c *config.Config) {
		f := false
		c.UseDefaultIDs = &f
	})
	r := New(store, config.NewModelTables())

	_, err := r.Resolve("unmapped-model")
	assert.ErrorIs(t, err, bridge.ErrInvalidSession)
}

func TestResolve_RoundRobinRotation(t *testing.T) {
	tables := tablesWithEndpoints(t, `{
		"rotated": [
			{"session_id": "s1", "message_id": "m1"},
			{"session_id": "s2", "message_id": "m2"},
			{"session_id": "s3", "message_id": "m3"}
		]
	}`)
	r := New(newStore(nil), tables)

	var picks []string
	for i := 0; i < 6; i++ {
		s, err := r.Resolve("rotated")
		require.NoError(t, err)
		picks = append(picks, s.SessionID)
	}
	assert.Equal(t, []string{"s1", "s2", "s3", "s1", "s2", "s3"}, picks)

	r.ResetCursors()
	s, err := r.Resolve("rotated")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.SessionID)
}

func TestResolve_MappedModeAndBattleDefaults(t *testing.T) {
	tables := tablesWithEndpoints(t, `{
		"explicit": {"session_id": "s1", "message_id": "m1", "mode": "battle", "battle_target": "B"},
		"battle-no-target": {"session_id": "s2", "message_id": "m2", "mode": "battle"},
		"inherits": {"session_id": "s3", "message_id": "m3"}
	}`)
	store := newStore(func(c *config.Config) {
		c.IDUpdaterLastMode = config.ModeBattle
		c.IDUpdaterBattleTarget = "B"
	})
	r := New(store, tables)

	s, err := r.Resolve("explicit")
	require.NoError(t, err)
	assert.Equal(t, config.ModeBattle, s.Mode)
	assert.Equal(t, "B", s.BattleTarget)

	s, err = r.Resolve("battle-no-target")
	require.NoError(t, err)
	assert.Equal(t, "A", s.BattleTarget)

	// mode omitted in the mapping inherits both mode and target from config
	s, err = r.Resolve("inherits")
	require.NoError(t, err)
	assert.Equal(t, config.ModeBattle, s.Mode)
	assert.Equal(t, "B", s.BattleTarget)
}

func TestResolve_RejectsPlaceholderIDs(t *testing.T) {
	store := newStore(func(c *config.Config) {
		c.SessionID = "YOUR_SESSION_ID"
		c.MessageID = "YOUR_MESSAGE_ID"
	})
	r := New(store, config.NewModelTables())

	_, err := r.Resolve("any")
	assert.ErrorIs(t, err, bridge.ErrInvalidSession)
}

func TestResolve_RejectsEmptyMappedIDs(t *testing.T) {
	tables := tablesWithEndpoints(t, `{
		"broken": {"session_id": "", "message_id": "m1"}
	}`)
	r := New(newStore(nil), tables)

	_, err := r.Resolve("broken")
	assert.ErrorIs(t, err, bridge.ErrInvalidSession)
}
