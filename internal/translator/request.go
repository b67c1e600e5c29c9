// Package translator converts OpenAI chat-completion bodies into the task
// payload the browser agent replays against the upstream arena, and formats
// the reverse direction as OpenAI SSE chunks and response objects.
package translator

import (
	"fmt"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/internal/config"
)

// Attachment is one file reference forwarded upstream.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// MessageTemplate is one upstream conversation message.
type MessageTemplate struct {
	Role                string       `json:"role"`
	Content             string       `json:"content"`
	ParticipantPosition string       `json:"participantPosition,omitempty"`
	Attachments         []Attachment `json:"attachments"`

	// ExperimentalAttachments carries user uploads and prior assistant
	// images; the upstream only reads files from this field.
	ExperimentalAttachments []Attachment `json:"experimental_attachments,omitempty"`
}

// ArenaPayload is the body of a task frame sent to the browser agent.
type ArenaPayload struct {
	IsImageRequest   bool              `json:"is_image_request"`
	MessageTemplates []MessageTemplate `json:"message_templates"`
	TargetModelID    string            `json:"target_model_id"`
	SessionID        string            `json:"session_id"`
	MessageID        string            `json:"message_id"`
}

// TaskFrame is the full server-to-agent request envelope.
type TaskFrame struct {
	RequestID string       `json:"request_id"`
	Payload   ArenaPayload `json:"payload"`
}

var (
	markdownImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	thinkBlockRe    = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)
)

// BuildArenaPayload converts one OpenAI request body into the upstream task
// payload. modelType classifies the model as text, image or search and
// drives the bypass policy and the image attachment split.
func BuildArenaPayload(cfg *config.Config, raw []byte, modelType, targetModelID, sessionID, messageID, mode, battleTarget string) (*ArenaPayload, error) {
	body := gjson.ParseBytes(raw)
	messages := body.Get("messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("request has no messages array")
	}

	templates := make([]MessageTemplate, 0, int(messages.Get("#").Int())+1)
	for _, msg := range messages.Array() {
		templates = append(templates, processMessage(cfg, msg, mode))
	}

	if cfg.TavernModeEnabled {
		templates = mergeSystemPrompts(templates)
	}

	if cfg.ImageAttachmentBypassEnabled && modelType == "image" {
		templates = splitImageAttachment(templates)
	}

	if BypassAllowed(cfg, modelType) {
		preset := cfg.BypassInjection.Presets[cfg.BypassInjection.ActivePreset]
		templates = append(templates, MessageTemplate{
			Role:                preset.Role,
			Content:             preset.Content,
			ParticipantPosition: preset.ParticipantPosition,
			Attachments:         []Attachment{},
		})
	}

	applyParticipantPositions(templates, mode, battleTarget)

	return &ArenaPayload{
		IsImageRequest:   modelType == "image",
		MessageTemplates: templates,
		TargetModelID:    targetModelID,
		SessionID:        sessionID,
		MessageID:        messageID,
	}, nil
}

// BypassAllowed decides whether the bypass template applies to a model
// class. The global toggle is authoritative; a per-class setting overrides
// only its own class. Classes without a setting follow the global toggle,
// except image and search, which stay off.
func BypassAllowed(cfg *config.Config, modelType string) bool {
	if !cfg.BypassEnabled {
		return false
	}
	if v, ok := cfg.BypassSettings[modelType]; ok {
		return v
	}
	if modelType == "image" || modelType == "search" {
		return false
	}
	return true
}

// processMessage splits one OpenAI message into text and attachments.
// Assistant turns get markdown image links lifted into attachments so the
// model can see its earlier outputs; the developer role is normalized to
// system; blank user content becomes a single space so the upstream does
// not reject the turn.
func processMessage(cfg *config.Config, msg gjson.Result, mode string) MessageTemplate {
	role := msg.Get("role").String()
	if role == "developer" {
		role = "system"
	}

	var text string
	attachments := []Attachment{}
	var experimental []Attachment

	content := msg.Get("content")
	switch {
	case role == "assistant" && content.Type == gjson.String:
		text = content.String()
		if stripHistoryReasoning(cfg) {
			text = strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
		}
		for _, m := range markdownImageRe.FindAllStringSubmatch(text, -1) {
			experimental = append(experimental, attachmentFromURL(m[2], ""))
		}
		if len(experimental) > 0 {
			text = strings.TrimSpace(markdownImageRe.ReplaceAllString(text, ""))
		}
	case content.IsArray():
		var parts []string
		for _, part := range content.Array() {
			switch part.Get("type").String() {
			case "text":
				parts = append(parts, part.Get("text").String())
			case "image_url":
				url := part.Get("image_url.url").String()
				if url == "" {
					continue
				}
				att := attachmentFromURL(url, part.Get("image_url.detail").String())
				if role == "assistant" {
					experimental = append(experimental, att)
				} else {
					attachments = append(attachments, att)
				}
			}
		}
		text = strings.Join(parts, "\n\n")
	default:
		text = content.String()
	}

	if role == "user" && strings.TrimSpace(text) == "" {
		text = " "
	}

	t := MessageTemplate{Role: role, Content: text, Attachments: attachments}
	if role == "assistant" {
		t.ExperimentalAttachments = experimental
	}
	if role == "user" && len(attachments) > 0 {
		t.ExperimentalAttachments = attachments
	}
	return t
}

// stripHistoryReasoning reports whether think blocks should be removed from
// assistant history. Only the think_tag mode ever places reasoning inside
// content, so only that mode strips.
func stripHistoryReasoning(cfg *config.Config) bool {
	return cfg.StripHistoryReasoning() &&
		cfg.EnableReasoning &&
		cfg.ReasoningOutputMode == config.ReasoningModeThinkTag
}

// attachmentFromURL builds an attachment descriptor from a data URI or HTTP
// URL, guessing the content type and synthesizing a file name when the URL
// does not carry one.
func attachmentFromURL(url, preferredName string) Attachment {
	var contentType string
	switch {
	case strings.HasPrefix(url, "data:"):
		meta := strings.SplitN(strings.TrimPrefix(url, "data:"), ";", 2)[0]
		if meta != "" {
			contentType = meta
		} else {
			contentType = "image/png"
		}
	case strings.HasPrefix(url, "http"):
		contentType = mime.TypeByExtension(path.Ext(strings.SplitN(path.Base(url), "?", 2)[0]))
		if contentType == "" {
			contentType = "image/jpeg"
		}
	default:
		contentType = "image/jpeg"
	}

	name := preferredName
	if name == "" && !strings.HasPrefix(url, "data:") {
		name = strings.SplitN(path.Base(url), "?", 2)[0]
		if !strings.Contains(name, ".") {
			name = ""
		}
	}
	if name == "" {
		name = fmt.Sprintf("image_%s.%s", uuid.NewString(), extensionFor(contentType))
	}

	return Attachment{Name: name, ContentType: contentType, URL: url}
}

func extensionFor(contentType string) string {
	if i := strings.IndexByte(contentType, '/'); i >= 0 && i+1 < len(contentType) {
		return contentType[i+1:]
	}
	return "png"
}

// mergeSystemPrompts folds every system message into a single leading one,
// preserving the relative order of the remaining turns.
func mergeSystemPrompts(templates []MessageTemplate) []MessageTemplate {
	var prompts []string
	others := make([]MessageTemplate, 0, len(templates))
	for _, t := range templates {
		if t.Role == "system" {
			prompts = append(prompts, t.Content)
		} else {
			others = append(others, t)
		}
	}
	if len(prompts) == 0 {
		return others
	}
	merged := strings.Join(prompts, "\n\n")
	out := make([]MessageTemplate, 0, len(others)+1)
	out = append(out, MessageTemplate{Role: "system", Content: merged, Attachments: []Attachment{}})
	return append(out, others...)
}

// splitImageAttachment rewrites the trailing user turn of an image model
// request: when it carries both an image attachment and text, the turn is
// split into an attachment-only message followed by a text-only one. The
// upstream then treats the image as history and the text as the prompt.
func splitImageAttachment(templates []MessageTemplate) []MessageTemplate {
	idx := -1
	for i := len(templates) - 1; i >= 0; i-- {
		if templates[i].Role == "user" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return templates
	}

	last := templates[idx]
	hasImage := false
	for _, att := range last.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			hasImage = true
			break
		}
	}
	if !hasImage || strings.TrimSpace(last.Content) == "" {
		return templates
	}

	log.Infof("image model request: separating %d attachments from the prompt text", len(last.Attachments))

	imageOnly := MessageTemplate{
		Role:                    "user",
		Content:                 " ",
		Attachments:             last.Attachments,
		ExperimentalAttachments: last.Attachments,
	}
	textOnly := MessageTemplate{Role: "user", Content: last.Content, Attachments: []Attachment{}}

	out := make([]MessageTemplate, 0, len(templates)+1)
	out = append(out, templates[:idx]...)
	out = append(out, imageOnly, textOnly)
	return append(out, templates[idx+1:]...)
}

// applyParticipantPositions stamps each message with its arena side. In
// battle mode every message follows the chosen participant; in direct chat
// system messages sit on side b and everything else on side a.
func applyParticipantPositions(templates []MessageTemplate, mode, battleTarget string) {
	target := strings.ToLower(battleTarget)
	if target == "" {
		target = "a"
	}
	for i := range templates {
		switch {
		case mode == config.ModeBattle:
			templates[i].ParticipantPosition = target
		case templates[i].Role == "system":
			templates[i].ParticipantPosition = "b"
		default:
			templates[i].ParticipantPosition = "a"
		}
	}
}
