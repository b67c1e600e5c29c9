// Package config provides configuration management for the ArenaBridge server.
// It handles loading and parsing the YAML configuration file, applies explicit
// defaults for every recognized key, and validates combinations that cannot
// work at runtime (for example an enabled file bed with no endpoints).
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// APIKey is an optional bearer key clients must present on /v1 routes.
	APIKey string `yaml:"api-key"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile redirects logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables JSONL request/error logging under logs/.
	RequestLog bool `yaml:"request-log"`

	// SessionID is the default upstream session identifier.
	SessionID string `yaml:"session-id"`

	// MessageID is the default upstream message identifier to retry from.
	MessageID string `yaml:"message-id"`

	// IDUpdaterLastMode is the default session mode: direct_chat or battle.
	IDUpdaterLastMode string `yaml:"id-updater-last-mode"`

	// IDUpdaterBattleTarget selects the battle participant side, A or B.
	IDUpdaterBattleTarget string `yaml:"id-updater-battle-target"`

	// UseDefaultIDs falls back to the global session tuple when a model has
	// no entry in the model endpoint map. Defaults to true.
	UseDefaultIDs *bool `yaml:"use-default-ids-if-mapping-not-found"`

	// EnableAutoRetry parks requests that arrive while the browser agent is
	// disconnected and replays them on reconnect.
	EnableAutoRetry bool `yaml:"enable-auto-retry"`

	// RetryTimeoutSeconds bounds how long a parked request waits for replay.
	RetryTimeoutSeconds int `yaml:"retry-timeout-seconds"`

	// StreamTimeoutSeconds bounds each wait for the next upstream fragment.
	StreamTimeoutSeconds int `yaml:"stream-response-timeout-seconds"`

	// EnableReasoning forwards upstream reasoning deltas to the client.
	EnableReasoning bool `yaml:"enable-reasoning"`

	// ReasoningOutputMode is openai (reasoning_content field) or think_tag
	// (content wrapped in <think> tags).
	ReasoningOutputMode string `yaml:"reasoning-output-mode"`

	// PreserveStreaming streams reasoning deltas as they arrive; when false
	// the full reasoning block is emitted once. Defaults to true.
	PreserveStreaming *bool `yaml:"preserve-streaming"`

	// StripReasoningFromHistory removes <think> blocks from assistant turns
	// before forwarding history upstream. Only meaningful in think_tag mode.
	// Defaults to true.
	StripReasoningFromHistory *bool `yaml:"strip-reasoning-from-history"`

	// TavernModeEnabled merges all system prompts into a single leading one.
	TavernModeEnabled bool `yaml:"tavern-mode-enabled"`

	// BypassEnabled is the global toggle for the moderation bypass template.
	BypassEnabled bool `yaml:"bypass-enabled"`

	// BypassSettings overrides the bypass per model class (text/image/search).
	BypassSettings map[string]bool `yaml:"bypass-settings"`

	// BypassInjection selects the template appended when bypass applies.
	BypassInjection BypassInjection `yaml:"bypass-injection"`

	// ImageAttachmentBypassEnabled splits the trailing user message of image
	// model requests into attachment-only and text-only messages.
	ImageAttachmentBypassEnabled bool `yaml:"image-attachment-bypass-enabled"`

	// EmptyResponseRetry is the agent-side retry policy for empty upstream
	// streams. The server validates it and serves it to the agent.
	EmptyResponseRetry EmptyResponseRetry `yaml:"empty-response-retry"`

	// SaveImagesLocally archives upstream images under images/YYYYMMDD.
	// Defaults to true.
	SaveImagesLocally *bool `yaml:"save-images-locally"`

	// ImageReturnFormat is url or base64.
	ImageReturnFormat string `yaml:"image-return-format"`

	// FileBedEnabled uploads base64 attachments to a file bed before dispatch.
	FileBedEnabled bool `yaml:"file-bed-enabled"`

	// FileBedSelectionStrategy is random, round_robin, or failover.
	FileBedSelectionStrategy string `yaml:"file-bed-selection-strategy"`

	// FileBedEndpoints lists the configured file bed upload targets.
	FileBedEndpoints []FileBedEndpoint `yaml:"file-bed-endpoints"`

	// MaxConcurrentDownloads bounds the image download pool.
	MaxConcurrentDownloads int `yaml:"max-concurrent-downloads"`

	// DownloadTimeout holds the per-download timeout and retry settings.
	DownloadTimeout DownloadTimeout `yaml:"download-timeout"`

	// MemoryManagement bounds the in-memory image caches.
	MemoryManagement MemoryManagement `yaml:"memory-management"`

	// MetadataTimeoutMinutes is the age at which the sweeper abandons request
	// metadata for requests that never reached a terminal state.
	MetadataTimeoutMinutes int `yaml:"metadata-timeout-minutes"`
}

// BypassInjection selects which preset template the bypass appends.
type BypassInjection struct {
	// ActivePreset names the preset to use from Presets.
	ActivePreset string `yaml:"active-preset"`

	// Presets maps preset names to message templates.
	Presets map[string]BypassTemplate `yaml:"presets"`
}

// BypassTemplate is the extra message appended when bypass applies.
type BypassTemplate struct {
	Role                string `yaml:"role"`
	Content             string `yaml:"content"`
	ParticipantPosition string `yaml:"participant-position"`
}

// EmptyResponseRetry configures the agent's empty-upstream retry loop.
type EmptyResponseRetry struct {
	Enabled               bool `yaml:"enabled"`
	MaxRetries            int  `yaml:"max-retries"`
	BaseDelayMS           int  `yaml:"base-delay-ms"`
	MaxDelayMS            int  `yaml:"max-delay-ms"`
	ShowRetryInfoToClient bool `yaml:"show-retry-info-to-client"`
}

// FileBedEndpoint describes one file bed upload target.
type FileBedEndpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Enabled allows an endpoint to stay configured but inactive.
	Enabled bool `yaml:"enabled"`

	// FormFileField is the multipart field name carrying the file.
	FormFileField string `yaml:"form-file-field"`

	// ResponseType is json or text.
	ResponseType string `yaml:"response-type"`

	// JSONURLKey is the dotted path to the uploaded URL in a JSON response.
	JSONURLKey string `yaml:"json-url-key"`

	APIKey      string `yaml:"api-key"`
	APIKeyField string `yaml:"api-key-field"`
}

// DownloadTimeout holds timeouts for the image download pool.
type DownloadTimeout struct {
	ConnectSeconds  int `yaml:"connect"`
	SockReadSeconds int `yaml:"sock-read"`
	TotalSeconds    int `yaml:"total"`
	MaxRetries      int `yaml:"max-retries"`
}

// MemoryManagement bounds the in-memory caches.
type MemoryManagement struct {
	GCThresholdMB        int `yaml:"gc-threshold-mb"`
	ImageCacheMaxSize    int `yaml:"image-cache-max-size"`
	ImageCacheTTLSeconds int `yaml:"image-cache-ttl-seconds"`
}

// Mode and battle target values recognized in the session tuple.
const (
	ModeDirectChat = "direct_chat"
	ModeBattle     = "battle"
)

// Reasoning output modes.
const (
	ReasoningModeOpenAI   = "openai"
	ReasoningModeThinkTag = "think_tag"
)

// File bed selection strategies.
const (
	FileBedRandom     = "random"
	FileBedRoundRobin = "round_robin"
	FileBedFailover   = "failover"
)

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults, and validates it.
//
// Unknown keys are ignored with a warning; invalid combinations are rejected.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A strict first pass only reports unknown keys; the lenient pass below
	// is authoritative.
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	var probe Config
	if errStrict := strict.Decode(&probe); errStrict != nil {
		log.Warnf("config contains unrecognized or malformed keys: %v", errStrict)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyDefaults fills in the documented default for every zero-valued key.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 5102
	}
	if c.UseDefaultIDs == nil {
		c.UseDefaultIDs = boolPtr(true)
	}
	if c.PreserveStreaming == nil {
		c.PreserveStreaming = boolPtr(true)
	}
	if c.StripReasoningFromHistory == nil {
		c.StripReasoningFromHistory = boolPtr(true)
	}
	if c.SaveImagesLocally == nil {
		c.SaveImagesLocally = boolPtr(true)
	}
	if c.IDUpdaterLastMode == "" {
		c.IDUpdaterLastMode = ModeDirectChat
	}
	if c.IDUpdaterBattleTarget == "" {
		c.IDUpdaterBattleTarget = "A"
	}
	if c.RetryTimeoutSeconds == 0 {
		c.RetryTimeoutSeconds = 60
	}
	if c.StreamTimeoutSeconds == 0 {
		c.StreamTimeoutSeconds = 360
	}
	if c.ReasoningOutputMode == "" {
		c.ReasoningOutputMode = ReasoningModeOpenAI
	}
	if c.ImageReturnFormat == "" {
		c.ImageReturnFormat = "base64"
	}
	if c.FileBedSelectionStrategy == "" {
		c.FileBedSelectionStrategy = FileBedFailover
	}
	if c.MaxConcurrentDownloads == 0 {
		c.MaxConcurrentDownloads = 50
	}
	if c.DownloadTimeout.ConnectSeconds == 0 {
		c.DownloadTimeout.ConnectSeconds = 5
	}
	if c.DownloadTimeout.SockReadSeconds == 0 {
		c.DownloadTimeout.SockReadSeconds = 10
	}
	if c.DownloadTimeout.TotalSeconds == 0 {
		c.DownloadTimeout.TotalSeconds = 30
	}
	if c.DownloadTimeout.MaxRetries == 0 {
		c.DownloadTimeout.MaxRetries = 2
	}
	if c.MemoryManagement.ImageCacheMaxSize == 0 {
		c.MemoryManagement.ImageCacheMaxSize = 1000
	}
	if c.MemoryManagement.ImageCacheTTLSeconds == 0 {
		c.MemoryManagement.ImageCacheTTLSeconds = 3600
	}
	if c.MetadataTimeoutMinutes == 0 {
		c.MetadataTimeoutMinutes = 30
	}
	if c.EmptyResponseRetry.MaxRetries == 0 {
		c.EmptyResponseRetry.MaxRetries = 5
	}
	if c.EmptyResponseRetry.BaseDelayMS == 0 {
		c.EmptyResponseRetry.BaseDelayMS = 1000
	}
	if c.EmptyResponseRetry.MaxDelayMS == 0 {
		c.EmptyResponseRetry.MaxDelayMS = 30000
	}
	if c.BypassInjection.ActivePreset == "" {
		c.BypassInjection.ActivePreset = "default"
	}
	if c.BypassInjection.Presets == nil {
		c.BypassInjection.Presets = map[string]BypassTemplate{
			"default": {Role: "user", Content: " ", ParticipantPosition: "a"},
		}
	}
	for i := range c.FileBedEndpoints {
		ep := &c.FileBedEndpoints[i]
		if ep.FormFileField == "" {
			ep.FormFileField = "file"
		}
		if ep.ResponseType == "" {
			ep.ResponseType = "json"
		}
		if ep.JSONURLKey == "" {
			ep.JSONURLKey = "url"
		}
		if ep.APIKeyField == "" {
			ep.APIKeyField = "key"
		}
	}
}

// Validate rejects combinations that cannot work at runtime.
func (c *Config) Validate() error {
	if c.IDUpdaterLastMode != ModeDirectChat && c.IDUpdaterLastMode != ModeBattle {
		return fmt.Errorf("id-updater-last-mode must be %q or %q, got %q", ModeDirectChat, ModeBattle, c.IDUpdaterLastMode)
	}
	if t := strings.ToUpper(c.IDUpdaterBattleTarget); t != "A" && t != "B" {
		return fmt.Errorf("id-updater-battle-target must be A or B, got %q", c.IDUpdaterBattleTarget)
	}
	if c.ReasoningOutputMode != ReasoningModeOpenAI && c.ReasoningOutputMode != ReasoningModeThinkTag {
		return fmt.Errorf("reasoning-output-mode must be %q or %q, got %q", ReasoningModeOpenAI, ReasoningModeThinkTag, c.ReasoningOutputMode)
	}
	if c.ImageReturnFormat != "url" && c.ImageReturnFormat != "base64" {
		return fmt.Errorf("image-return-format must be url or base64, got %q", c.ImageReturnFormat)
	}
	switch c.FileBedSelectionStrategy {
	case FileBedRandom, FileBedRoundRobin, FileBedFailover:
	default:
		return fmt.Errorf("file-bed-selection-strategy must be random, round_robin or failover, got %q", c.FileBedSelectionStrategy)
	}
	if c.FileBedEnabled && len(c.FileBedEndpoints) == 0 {
		return fmt.Errorf("file-bed-enabled is set but file-bed-endpoints is empty")
	}
	if _, ok := c.BypassInjection.Presets[c.BypassInjection.ActivePreset]; !ok {
		return fmt.Errorf("bypass-injection active-preset %q is not defined", c.BypassInjection.ActivePreset)
	}
	return nil
}

// UseDefaultSession reports whether unmapped models fall back to the global
// session tuple.
func (c *Config) UseDefaultSession() bool {
	return c.UseDefaultIDs == nil || *c.UseDefaultIDs
}

// StreamReasoning reports whether reasoning deltas are forwarded as they
// arrive instead of in one final block.
func (c *Config) StreamReasoning() bool {
	return c.PreserveStreaming == nil || *c.PreserveStreaming
}

// StripHistoryReasoning reports whether think blocks are removed from
// assistant history before dispatch.
func (c *Config) StripHistoryReasoning() bool {
	return c.StripReasoningFromHistory == nil || *c.StripReasoningFromHistory
}

// ArchiveImages reports whether upstream images are saved locally.
func (c *Config) ArchiveImages() bool {
	return c.SaveImagesLocally == nil || *c.SaveImagesLocally
}

func boolPtr(v bool) *bool { return &v }

// StreamTimeout returns the per-fragment read timeout as a duration.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSeconds) * time.Second
}

// RetryTimeout returns the parked-request wait bound as a duration.
func (c *Config) RetryTimeout() time.Duration {
	return time.Duration(c.RetryTimeoutSeconds) * time.Second
}

// MetadataTimeout returns the metadata sweep age as a duration.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.MetadataTimeoutMinutes) * time.Minute
}

// Store holds the live configuration and supports atomic hot swaps from the
// file watcher. Readers must not retain the pointer across reloads.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore creates a configuration store seeded with cfg.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set swaps in a new configuration.
func (s *Store) Set(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}
