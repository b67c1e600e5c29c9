package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
)

type fakeImages struct{ calls []string }

func (f *fakeImages) ResolveImage(_ context.Context, url, _ string) string {
	f.calls = append(f.calls, url)
	return fmt.Sprintf("![Image](%s)", url)
}

type fakeRefresher struct {
	calls  int
	result bool
}

func (f *fakeRefresher) RequestRefresh() bool {
	f.calls++
	return f.result
}

func testConfig(mutate func(*config.Config)) *config.Config {
	var cfg config.Config
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(&cfg)
	}
	return &cfg
}

// feed runs a processor over the given frames and collects every event.
func feed(t *testing.T, cfg *config.Config, frames []bridge.Frame, images ImageResolver, refresher Refresher) ([]Event, *Processor) {
	t.Helper()
	ch := make(chan bridge.Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)

	p := New(cfg, ch, images, refresher, "req-12345678")
	var events []Event
	for ev := range p.Run(context.Background()) {
		events = append(events, ev)
	}
	return events, p
}

func data(raw string) bridge.Frame { return bridge.Frame{Kind: bridge.FrameData, Raw: raw} }

func TestProcessor_BasicText(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`a0:"Hello"`),
		data(`a0:", world"`),
		data(`ad:{"finishReason":"stop"}`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 3)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, ", world", events[1].Text)
	assert.Equal(t, EventFinish, events[2].Kind)
	assert.Equal(t, "stop", events[2].Reason)
}

func TestProcessor_RecordSplitAcrossFragments(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`a0:"Hel`),
		data(`lo"`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, "Hello", events[0].Text)
}

func TestProcessor_UnescapesContent(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`a0:"line one\nline \"two\""`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline \"two\"", events[0].Text)
}

func TestProcessor_ReasoningStreamed(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.EnableReasoning = true })
	events, p := feed(t, cfg, []bridge.Frame{
		data(`ag:"thinking "`),
		data(`ag:"hard"`),
		data(`a0:"answer"`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 4)
	assert.Equal(t, EventReasoning, events[0].Kind)
	assert.Equal(t, "thinking ", events[0].Text)
	assert.Equal(t, EventReasoning, events[1].Kind)
	assert.Equal(t, EventReasoningEnd, events[2].Kind)
	assert.Equal(t, EventContent, events[3].Kind)
	assert.Equal(t, "answer", events[3].Text)

	assert.Equal(t, "thinking hard", p.Reasoning())
}

func TestProcessor_ReasoningCollectedWhenDisabled(t *testing.T) {
	events, p := feed(t, testConfig(nil), []bridge.Frame{
		data(`ag:"hidden chain"`),
		data(`a0:"answer"`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, EventContent, events[0].Kind)
	assert.Equal(t, "hidden chain", p.Reasoning())
}

func TestProcessor_ReasoningBufferedWhenStreamingOff(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.EnableReasoning = true
		off := false
		c.PreserveStreaming = &off
	})
	events, _ := feed(t, cfg, []bridge.Frame{
		data(`ag:"part one "`),
		data(`ag:"part two"`),
		data(`a0:"answer"`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 3)
	assert.Equal(t, EventReasoningEnd, events[0].Kind)
	assert.Equal(t, EventContent, events[1].Kind)
	assert.Equal(t, EventReasoningComplete, events[2].Kind)
	assert.Equal(t, "part one part two", events[2].Text)
}

func TestProcessor_ImageDeduplicated(t *testing.T) {
	images := &fakeImages{}
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`a2:[{"type":"image","image":"https://img.example/a.png"}]`),
		data(`b2:[{"type":"image","image":"https://img.example/a.png"}]`),
		{Kind: bridge.FrameDone},
	}, images, nil)

	require.Len(t, events, 1)
	assert.Equal(t, "![Image](https://img.example/a.png)", events[0].Text)
	assert.Equal(t, []string{"https://img.example/a.png"}, images.calls)
}

func TestProcessor_RetryAdvisoryRelayed(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		{Kind: bridge.FrameRetry, Retry: &bridge.RetryInfo{Attempt: 1, MaxAttempts: 3}},
		data(`a0:"ok"`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 2)
	assert.Equal(t, EventRetry, events[0].Kind)
	assert.Equal(t, 1, events[0].Retry.Attempt)
}

func TestProcessor_UpstreamErrorRecord(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`{"error": "model capacity exceeded"}`),
	}, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "model capacity exceeded", events[0].Text)
}

func TestProcessor_ErrorFrameClassified(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		{Kind: bridge.FrameError, Error: "upstream returned 413 Payload Too Large"},
	}, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Contains(t, events[0].Text, "attachment exceeds the upstream size limit")
}

func TestProcessor_InterstitialTriggersRefresh(t *testing.T) {
	refresher := &fakeRefresher{result: true}
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`<html><head><title>Just a moment...</title></head></html>`),
	}, nil, refresher)

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "content_filter", events[0].Reason)
	assert.Contains(t, events[0].Text, "page refresh was requested")
	assert.Equal(t, 1, refresher.calls)
}

func TestProcessor_InterstitialRefreshAlreadyInFlight(t *testing.T) {
	refresher := &fakeRefresher{result: false}
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data("Enable JavaScript and cookies to continue"),
	}, nil, refresher)

	require.Len(t, events, 1)
	assert.Contains(t, events[0].Text, "waiting for human verification")
}

func TestProcessor_Timeout(t *testing.T) {
	cfg := testConfig(func(c *config.Config) { c.StreamTimeoutSeconds = 1 })

	ch := make(chan bridge.Frame)
	p := New(cfg, ch, nil, nil, "req-1")

	start := time.Now()
	var events []Event
	for ev := range p.Run(context.Background()) {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Contains(t, events[0].Text, "timed out after 1 seconds")
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestProcessor_ContextCancelStopsRun(t *testing.T) {
	ch := make(chan bridge.Frame)
	p := New(testConfig(nil), ch, nil, nil, "req-1")

	ctx, cancel := context.WithCancel(context.Background())
	out := p.Run(ctx)
	cancel()

	select {
	case _, open := <-out:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop on context cancellation")
	}
}

func TestProcessor_MalformedEscapeSkipped(t *testing.T) {
	events, _ := feed(t, testConfig(nil), []bridge.Frame{
		data(`a0:"bad\x00seq"a0:"good"`),
		{Kind: bridge.FrameDone},
	}, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].Text)
}
