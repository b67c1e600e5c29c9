// Package stream parses the upstream arena wire format. The raw stream is a
// sequence of tagged records relayed by the browser agent; the processor
// reassembles records across fragment boundaries, separates reasoning from
// content from images, and emits structured events for the API layer to
// project into OpenAI chunks.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
)

// EventKind classifies one processor event.
type EventKind int

const (
	// EventContent carries an assistant text delta.
	EventContent EventKind = iota

	// EventReasoning carries one reasoning delta, emitted only when
	// reasoning output is enabled and streamed.
	EventReasoning

	// EventReasoningEnd marks the transition from reasoning to content.
	EventReasoningEnd

	// EventReasoningComplete carries the whole reasoning block at once,
	// emitted when streaming of reasoning is disabled.
	EventReasoningComplete

	// EventRetry relays an agent retry advisory.
	EventRetry

	// EventFinish carries the upstream finish reason. Not terminal: the
	// stream still ends with the [DONE] sentinel.
	EventFinish

	// EventError is terminal.
	EventError
)

// Event is one structured output of the processor.
type Event struct {
	Kind   EventKind
	Text   string
	Reason string
	Retry  *bridge.RetryInfo
}

// ImageResolver turns an upstream image URL into the markdown reference
// spliced into the content stream.
type ImageResolver interface {
	ResolveImage(ctx context.Context, url, requestID string) string
}

// Refresher lets the processor ask the agent to reload its page when an
// interstitial page is detected.
type Refresher interface {
	RequestRefresh() bool
}

var (
	textRe      = regexp.MustCompile(`[ab]0:"((?:\\.|[^"\\])*)"`)
	reasoningRe = regexp.MustCompile(`ag:"((?:\\.|[^"\\])*)"`)
	imageRe     = regexp.MustCompile(`[ab]2:(\[.*?\])`)
	finishRe    = regexp.MustCompile(`[ab]d:(\{.*?"finishReason".*?\})`)
	errorRe     = regexp.MustCompile(`(?s)\{\s*"error".*?\}`)
)

var interstitialSignatures = []string{
	"<title>just a moment...</title>",
	"enable javascript and cookies to continue",
}

// Processor drives one request's frame channel to completion.
type Processor struct {
	cfg       *config.Config
	frames    <-chan bridge.Frame
	images    ImageResolver
	refresher Refresher
	requestID string

	rest         string
	reasoningBuf []string
	seenImages   map[string]bool

	hasReasoning   bool
	reasoningEnded bool
	yieldedContent bool
}

// New creates a processor over a request's response channel.
func New(cfg *config.Config, frames <-chan bridge.Frame, images ImageResolver, refresher Refresher, requestID string) *Processor {
	return &Processor{
		cfg:        cfg,
		frames:     frames,
		images:     images,
		refresher:  refresher,
		requestID:  requestID,
		seenImages: make(map[string]bool),
	}
}

// Reasoning returns the reasoning text collected so far. It is gathered
// regardless of whether reasoning output to the client is enabled.
func (p *Processor) Reasoning() string {
	return strings.Join(p.reasoningBuf, "")
}

// Run consumes frames until the terminal sentinel, an error, or ctx
// cancellation, emitting events on the returned channel. The channel is
// closed when the stream ends.
func (p *Processor) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		p.run(ctx, out)
	}()
	return out
}

func (p *Processor) run(ctx context.Context, out chan<- Event) {
	timeout := p.cfg.StreamTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		var frame bridge.Frame
		var open bool
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			log.Warnf("processor %s: no upstream data within %s", shortID(p.requestID), timeout)
			out <- Event{Kind: EventError, Text: fmt.Sprintf("response timed out after %d seconds", p.cfg.StreamTimeoutSeconds)}
			return
		case frame, open = <-p.frames:
			if !open {
				p.flushReasoning(out)
				return
			}
		}

		switch frame.Kind {
		case bridge.FrameRetry:
			out <- Event{Kind: EventRetry, Retry: frame.Retry}

		case bridge.FrameError:
			out <- Event{Kind: EventError, Text: p.classifyError(frame.Error)}
			return

		case bridge.FrameDone:
			p.flushReasoning(out)
			return

		case bridge.FrameData:
			if !p.consume(ctx, frame.Raw, out) {
				return
			}
		}
	}
}

// consume appends a fragment to the rolling buffer and drains every
// completed record. Returns false when a terminal event was emitted.
func (p *Processor) consume(ctx context.Context, raw string, out chan<- Event) bool {
	buf := p.rest + raw

	if containsInterstitial(buf) {
		out <- Event{Kind: EventError, Text: p.interstitialMessage(), Reason: "content_filter"}
		return false
	}

	if m := errorRe.FindString(buf); m != "" {
		msg := gjson.Get(m, "error").String()
		if msg == "" {
			msg = "unknown upstream error"
		}
		out <- Event{Kind: EventError, Text: msg}
		return false
	}

	reasoningInFragment := false
	for {
		loc := reasoningRe.FindStringSubmatchIndex(buf)
		if loc == nil {
			break
		}
		if text, ok := unescape(buf[loc[2]:loc[3]]); ok && text != "" {
			if p.reasoningEnded {
				log.Warn("reasoning resumed after content started, think tag output may lose text")
			}
			p.hasReasoning = true
			p.reasoningBuf = append(p.reasoningBuf, text)
			reasoningInFragment = true
			if p.cfg.EnableReasoning && p.cfg.StreamReasoning() {
				out <- Event{Kind: EventReasoning, Text: text}
			}
		}
		buf = buf[loc[1]:]
	}

	for {
		loc := textRe.FindStringSubmatchIndex(buf)
		if loc == nil {
			break
		}
		if text, ok := unescape(buf[loc[2]:loc[3]]); ok && text != "" {
			if p.hasReasoning && !p.reasoningEnded && !reasoningInFragment {
				p.reasoningEnded = true
				if p.cfg.EnableReasoning {
					out <- Event{Kind: EventReasoningEnd}
				}
			}
			p.yieldedContent = true
			out <- Event{Kind: EventContent, Text: text}
		}
		buf = buf[loc[1]:]
	}

	for {
		loc := imageRe.FindStringSubmatchIndex(buf)
		if loc == nil {
			break
		}
		p.handleImage(ctx, buf[loc[2]:loc[3]], out)
		buf = buf[loc[1]:]
	}

	if loc := finishRe.FindStringSubmatchIndex(buf); loc != nil {
		reason := gjson.Get(buf[loc[2]:loc[3]], "finishReason").String()
		if reason == "" {
			reason = "stop"
		}
		out <- Event{Kind: EventFinish, Reason: reason}
		buf = buf[loc[1]:]
	}

	p.rest = buf
	return true
}

// handleImage resolves one image descriptor and splices a markdown image
// into the content stream. Repeated URLs within a response are skipped.
func (p *Processor) handleImage(ctx context.Context, descriptor string, out chan<- Event) {
	list := gjson.Parse(descriptor)
	if !list.IsArray() {
		return
	}
	arr := list.Array()
	if len(arr) == 0 {
		return
	}
	first := arr[0]
	if first.Get("type").String() != "image" {
		return
	}
	url := first.Get("image").String()
	if url == "" || p.seenImages[url] {
		return
	}
	p.seenImages[url] = true

	log.Infof("processor %s: upstream returned an image", shortID(p.requestID))

	markdown := fmt.Sprintf("![Image](%s)", url)
	if p.images != nil {
		markdown = p.images.ResolveImage(ctx, url, p.requestID)
	}
	p.yieldedContent = true
	out <- Event{Kind: EventContent, Text: markdown}
}

// flushReasoning emits the buffered reasoning block when streaming of
// reasoning is disabled.
func (p *Processor) flushReasoning(out chan<- Event) {
	if p.cfg.EnableReasoning && p.hasReasoning && !p.cfg.StreamReasoning() {
		out <- Event{Kind: EventReasoningComplete, Text: p.Reasoning()}
	}
}

// classifyError maps known upstream failures to client-friendly messages
// and triggers the interstitial refresh when an error body carries the
// challenge page.
func (p *Processor) classifyError(msg string) string {
	lower := strings.ToLower(msg)
	if strings.Contains(msg, "413") || strings.Contains(lower, "too large") {
		return "upload failed: the attachment exceeds the upstream size limit (around 5MB), compress the file and retry"
	}
	if containsInterstitial(msg) {
		return p.interstitialMessage()
	}
	return msg
}

// interstitialMessage requests a page refresh once per verification episode
// and describes the state to the client.
func (p *Processor) interstitialMessage() string {
	if p.refresher != nil && p.refresher.RequestRefresh() {
		log.Warnf("processor %s: human verification page detected, refresh command sent", shortID(p.requestID))
		return "human verification page detected, a page refresh was requested, please retry shortly"
	}
	log.Infof("processor %s: human verification page detected, refresh already in flight", shortID(p.requestID))
	return "waiting for human verification to complete"
}

func containsInterstitial(s string) bool {
	lower := strings.ToLower(s)
	for _, sig := range interstitialSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// unescape decodes one JSON string-escaped payload. Malformed sequences are
// skipped with a warning.
func unescape(s string) (string, bool) {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		log.Warnf("skipping record with malformed escape sequence: %v", err)
		return "", false
	}
	return out, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
