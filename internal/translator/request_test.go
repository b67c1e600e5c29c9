package translator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/internal/config"
)

func baseConfig(mutate func(*config.Config)) *config.Config {
	var cfg config.Config
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(&cfg)
	}
	return &cfg
}

func build(t *testing.T, cfg *config.Config, body, modelType, mode, target string) *ArenaPayload {
	t.Helper()
	p, err := BuildArenaPayload(cfg, []byte(body), modelType, "model-id", "sess", "msg", mode, target)
	require.NoError(t, err)
	return p
}

func TestBuildArenaPayload_Basic(t *testing.T) {
	p := build(t, baseConfig(nil), `{
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		]
	}`, "text", config.ModeDirectChat, "")

	assert.False(t, p.IsImageRequest)
	assert.Equal(t, "model-id", p.TargetModelID)
	assert.Equal(t, "sess", p.SessionID)
	assert.Equal(t, "msg", p.MessageID)

	require.Len(t, p.MessageTemplates, 2)
	assert.Equal(t, "system", p.MessageTemplates[0].Role)
	assert.Equal(t, "b", p.MessageTemplates[0].ParticipantPosition)
	assert.Equal(t, "user", p.MessageTemplates[1].Role)
	assert.Equal(t, "a", p.MessageTemplates[1].ParticipantPosition)
}

func TestBuildArenaPayload_NoMessages(t *testing.T) {
	_, err := BuildArenaPayload(baseConfig(nil), []byte(`{"model":"m"}`), "text", "", "s", "m", config.ModeDirectChat, "")
	assert.Error(t, err)
}

func TestBuildArenaPayload_DeveloperRoleNormalized(t *testing.T) {
	p := build(t, baseConfig(nil), `{
		"messages": [{"role": "developer", "content": "rules"}]
	}`, "text", config.ModeDirectChat, "")

	assert.Equal(t, "system", p.MessageTemplates[0].Role)
}

func TestBuildArenaPayload_BlankUserContent(t *testing.T) {
	p := build(t, baseConfig(nil), `{
		"messages": [{"role": "user", "content": ""}]
	}`, "text", config.ModeDirectChat, "")

	assert.Equal(t, " ", p.MessageTemplates[0].Content)
}

func TestBuildArenaPayload_MultimodalUserParts(t *testing.T) {
	p := build(t, baseConfig(nil), `{
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
		]}]
	}`, "text", config.ModeDirectChat, "")

	msg := p.MessageTemplates[0]
	assert.Equal(t, "what is this", msg.Content)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "image/png", msg.Attachments[0].ContentType)
	assert.Equal(t, "data:image/png;base64,AAAA", msg.Attachments[0].URL)
	// user uploads are mirrored into the experimental field the upstream reads
	assert.Equal(t, msg.Attachments, msg.ExperimentalAttachments)
}

func TestBuildArenaPayload_AssistantMarkdownImagesLifted(t *testing.T) {
	p := build(t, baseConfig(nil), `{
		"messages": [{"role": "assistant", "content": "here you go ![cat](https://img.example/cat.png) enjoy"}]
	}`, "text", config.ModeDirectChat, "")

	msg := p.MessageTemplates[0]
	assert.Equal(t, "here you go  enjoy", msg.Content)
	require.Len(t, msg.ExperimentalAttachments, 1)
	assert.Equal(t, "https://img.example/cat.png", msg.ExperimentalAttachments[0].URL)
	assert.Equal(t, "cat.png", msg.ExperimentalAttachments[0].Name)
	assert.Empty(t, msg.Attachments)
}

func TestBuildArenaPayload_StripsThinkBlocksFromHistory(t *testing.T) {
	cfg := baseConfig(func(c *config.Config) {
		c.EnableReasoning = true
		c.ReasoningOutputMode = config.ReasoningModeThinkTag
	})
	p := build(t, cfg, `{
		"messages": [{"role": "assistant", "content": "<think>internal chain</think>\n\nthe answer is 4"}]
	}`, "text", config.ModeDirectChat, "")

	assert.Equal(t, "the answer is 4", p.MessageTemplates[0].Content)
}

func TestBuildArenaPayload_KeepsThinkBlocksInOpenAIMode(t *testing.T) {
	cfg := baseConfig(func(c *config.Config) {
		c.EnableReasoning = true
		c.ReasoningOutputMode = config.ReasoningModeOpenAI
	})
	p := build(t, cfg, `{
		"messages": [{"role": "assistant", "content": "<think>x</think>answer"}]
	}`, "text", config.ModeDirectChat, "")

	assert.Contains(t, p.MessageTemplates[0].Content, "<think>")
}

func TestBuildArenaPayload_TavernModeMergesSystemPrompts(t *testing.T) {
	cfg := baseConfig(func(c *config.Config) { c.TavernModeEnabled = true })
	p := build(t, cfg, `{
		"messages": [
			{"role": "system", "content": "first"},
			{"role": "user", "content": "hi"},
			{"role": "system", "content": "second"}
		]
	}`, "text", config.ModeDirectChat, "")

	require.Len(t, p.MessageTemplates, 2)
	assert.Equal(t, "system", p.MessageTemplates[0].Role)
	assert.Equal(t, "first\n\nsecond", p.MessageTemplates[0].Content)
	assert.Equal(t, "user", p.MessageTemplates[1].Role)
}

func TestBuildArenaPayload_BypassAppendedForTextModels(t *testing.T) {
	cfg := baseConfig(func(c *config.Config) { c.BypassEnabled = true })
	p := build(t, cfg, `{
		"messages": [{"role": "user", "content": "hi"}]
	}`, "text", config.ModeDirectChat, "")

	require.Len(t, p.MessageTemplates, 2)
	last := p.MessageTemplates[len(p.MessageTemplates)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, " ", last.Content)
	// direct chat stamping runs after injection, overwriting the preset side
	assert.Equal(t, "a", last.ParticipantPosition)
}

func TestBypassAllowed_Policy(t *testing.T) {
	cases := []struct {
		name      string
		enabled   bool
		settings  map[string]bool
		modelType string
		want      bool
	}{
		{"disabled globally", false, map[string]bool{"text": true}, "text", false},
		{"text default on", true, nil, "text", true},
		{"image default off", true, nil, "image", false},
		{"search default off", true, nil, "search", false},
		{"settings enable image", true, map[string]bool{"image": true}, "image", true},
		{"unlisted text stays on", true, map[string]bool{"image": false}, "text", true},
		{"unlisted search stays off", true, map[string]bool{"text": true}, "search", false},
		{"settings disable text", true, map[string]bool{"text": false}, "text", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(func(c *config.Config) {
				c.BypassEnabled = tc.enabled
				c.BypassSettings = tc.settings
			})
			assert.Equal(t, tc.want, BypassAllowed(cfg, tc.modelType))
		})
	}
}

func TestBuildArenaPayload_BattleModeStampsTarget(t *testing.T) {
	p := build(t, baseConfig(nil), `{
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": "hi"}
		]
	}`, "text", config.ModeBattle, "B")

	for _, msg := range p.MessageTemplates {
		assert.Equal(t, "b", msg.ParticipantPosition)
	}
}

func TestBuildArenaPayload_ImageAttachmentSplit(t *testing.T) {
	cfg := baseConfig(func(c *config.Config) { c.ImageAttachmentBypassEnabled = true })
	p := build(t, cfg, `{
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "make it sharper"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
		]}]
	}`, "image", config.ModeDirectChat, "")

	assert.True(t, p.IsImageRequest)
	require.Len(t, p.MessageTemplates, 2)

	imageOnly := p.MessageTemplates[0]
	assert.Equal(t, " ", imageOnly.Content)
	require.Len(t, imageOnly.Attachments, 1)

	textOnly := p.MessageTemplates[1]
	assert.Equal(t, "make it sharper", textOnly.Content)
	assert.Empty(t, textOnly.Attachments)
}

func TestBuildArenaPayload_ImageSplitSkippedWithoutText(t *testing.T) {
	cfg := baseConfig(func(c *config.Config) { c.ImageAttachmentBypassEnabled = true })
	p := build(t, cfg, `{
		"messages": [{"role": "user", "content": [
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
		]}]
	}`, "image", config.ModeDirectChat, "")

	require.Len(t, p.MessageTemplates, 1)
}

func TestAttachmentFromURL(t *testing.T) {
	att := attachmentFromURL("data:image/webp;base64,AAAA", "")
	assert.Equal(t, "image/webp", att.ContentType)
	assert.True(t, strings.HasPrefix(att.Name, "image_"))
	assert.True(t, strings.HasSuffix(att.Name, ".webp"))

	att = attachmentFromURL("https://cdn.example/photos/shot.jpg?sig=abc", "")
	assert.Equal(t, "image/jpeg", att.ContentType)
	assert.Equal(t, "shot.jpg", att.Name)

	att = attachmentFromURL("https://cdn.example/blob/12345", "")
	assert.Equal(t, "image/jpeg", att.ContentType)
	assert.True(t, strings.HasPrefix(att.Name, "image_"))
}
