package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/internal/bridge"
	"github.com/lmbridge/lmbridge/internal/config"
	"github.com/lmbridge/lmbridge/internal/stream"
	"github.com/lmbridge/lmbridge/internal/translator"
)

// handleChatCompletions is the main OpenAI-compatible entry point.
func (s *Server) handleChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, errBody("invalid JSON request body"))
		return
	}
	s.completeChat(c, raw)
}

// handleImageGenerations routes image requests through the same chat path;
// the stream processor natively renders returned images.
func (s *Server) handleImageGenerations(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, errBody("invalid JSON request body"))
		return
	}

	body := gjson.ParseBytes(raw)
	prompt := body.Get("prompt").String()
	if prompt == "" {
		c.JSON(http.StatusBadRequest, errBody("prompt is required"))
		return
	}
	chatBody := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":%q}],"stream":false}`,
		body.Get("model").String(), prompt)
	s.completeChat(c, []byte(chatBody))
}

// handleListModels returns the union of configured model names.
func (s *Server) handleListModels(c *gin.Context) {
	names := s.tables.Names()
	if len(names) == 0 {
		c.JSON(http.StatusNotFound, errBody("no models configured, fill models.json or model_endpoint_map.json"))
		return
	}

	now := time.Now().Unix()
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  now,
			"owned_by": "ArenaBridge",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// completeChat runs the dispatch algorithm: park when no peer, otherwise
// resolve, translate, send and drive the response stream back to the
// client.
func (s *Server) completeChat(c *gin.Context, raw []byte) {
	cfg := s.store.Get()
	model := gjson.GetBytes(raw, "model").String()
	wantStream := gjson.GetBytes(raw, "stream").Bool()

	var requestID string
	var err error

	if !s.channel.Connected() {
		requestID, err = s.parkAndWait(c, cfg, raw)
		if err != nil {
			return
		}
	} else {
		requestID, err = s.dispatch(raw, "")
		if err != nil {
			s.failDispatch(c, err)
			return
		}
	}

	frames := s.registry.Frames(requestID)
	if frames == nil {
		c.JSON(http.StatusInternalServerError, errBody("response channel not found"))
		return
	}

	s.monitor.RequestStart(requestID, model, int(gjson.GetBytes(raw, "messages.#").Int()))

	proc := stream.New(cfg, frames, s.images, s.channel, requestID)
	if wantStream {
		s.streamResponse(c, cfg, proc, model, requestID)
	} else {
		s.unaryResponse(c, cfg, proc, model, requestID)
	}
}

// parkAndWait places the request on the pending queue and blocks until the
// replayer dispatches it or the retry timeout expires.
func (s *Server) parkAndWait(c *gin.Context, cfg *config.Config, raw []byte) (string, error) {
	if !cfg.EnableAutoRetry {
		err := bridge.ErrNoPeer
		c.JSON(http.StatusServiceUnavailable, errBody("browser agent is not connected, open the arena page and enable the userscript"))
		return "", err
	}

	log.Warn("browser agent not connected, parking the request for replay")
	entry := bridge.PendingEntry{Raw: raw, Reply: make(chan bridge.PendingResult, 1)}

	offerCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	err := s.queue.Offer(offerCtx, entry)
	cancel()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errBody("too many requests are already waiting for the agent to reconnect"))
		return "", err
	}

	timeout := cfg.RetryTimeout()
	select {
	case res := <-entry.Reply:
		if res.Err != nil {
			s.failDispatch(c, res.Err)
			return "", res.Err
		}
		return res.RequestID, nil
	case <-time.After(timeout):
		err = bridge.ErrRecoveryTimeout
		c.JSON(http.StatusGatewayTimeout, errBody(fmt.Sprintf("the agent connection was not restored within %d seconds", cfg.RetryTimeoutSeconds)))
		return "", err
	case <-c.Request.Context().Done():
		return "", c.Request.Context().Err()
	}
}

// dispatch resolves the session, translates the body and sends the task to
// the agent. With reuseID set it re-sends a recovered request on its
// existing response channel. Shared with the replayer.
func (s *Server) dispatch(raw []byte, reuseID string) (string, error) {
	cfg := s.store.Get()
	model := gjson.GetBytes(raw, "model").String()

	sess, err := s.resolver.Resolve(model)
	if err != nil {
		return "", err
	}

	modelType := s.tables.ModelType(model)
	info, known := s.tables.Model(model)
	if !known {
		log.Warnf("model %q is not in the model table, the task is sent without an upstream ID", model)
	}
	targetModelID := info.ID

	uploadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	raw = s.uploader.RewriteAttachments(uploadCtx, raw)
	cancel()

	payload, err := translator.BuildArenaPayload(cfg, raw, modelType, targetModelID, sess.SessionID, sess.MessageID, sess.Mode, sess.BattleTarget)
	if err != nil {
		return "", err
	}

	requestID := reuseID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	s.registry.Open(&bridge.RequestMeta{
		RequestID:     requestID,
		Model:         model,
		Stream:        gjson.GetBytes(raw, "stream").Bool(),
		OpenAIRequest: raw,
		SessionID:     sess.SessionID,
		MessageID:     sess.MessageID,
		Mode:          sess.Mode,
		BattleTarget:  sess.BattleTarget,
		CreatedAt:     time.Now(),
	})

	if err = s.channel.Send(translator.TaskFrame{RequestID: requestID, Payload: *payload}); err != nil {
		if reuseID == "" {
			s.registry.Close(requestID)
		}
		return "", err
	}
	log.Infof("request %s dispatched to the agent (model %s)", shortID(requestID), model)
	return requestID, nil
}

// failDispatch maps dispatch errors onto HTTP statuses.
func (s *Server) failDispatch(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bridge.ErrInvalidSession):
		c.JSON(http.StatusBadRequest, errBody(err.Error()))
	case errors.Is(err, bridge.ErrNoPeer):
		c.JSON(http.StatusServiceUnavailable, errBody("browser agent is not connected"))
	case errors.Is(err, bridge.ErrRecoveryTimeout):
		c.JSON(http.StatusGatewayTimeout, errBody(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
}

// streamResponse projects processor events into OpenAI SSE chunks. A client
// disconnect stops the writes but the upstream stream is drained normally.
func (s *Server) streamResponse(c *gin.Context, cfg *config.Config, proc *stream.Processor, model, requestID string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)
	responseID := "chatcmpl-" + uuid.NewString()
	clientCtx := c.Request.Context()

	write := func(chunk []byte) {
		if clientCtx.Err() != nil {
			return
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}

	var collected strings.Builder
	var reasoningParts []string
	finishReason := "stop"
	failed := false
	var failMsg string

	events := proc.Run(context.Background())
	for ev := range events {
		switch ev.Kind {
		case stream.EventRetry:
			log.Infof("request %s: agent retry %d/%d (%s)", shortID(requestID), ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.Reason)
			if cfg.EmptyResponseRetry.ShowRetryInfoToClient {
				note := fmt.Sprintf("\n[retry] attempt %d/%d, reason: %s, waiting %.1fs...\n",
					ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.Reason, float64(ev.Retry.DelayMS)/1000)
				write(translator.FormatChunk(note, model, responseID))
			}

		case stream.EventReasoning:
			reasoningParts = append(reasoningParts, ev.Text)
			if cfg.ReasoningOutputMode == config.ReasoningModeOpenAI {
				write(translator.FormatReasoningChunk(ev.Text, model, responseID))
			}

		case stream.EventReasoningEnd:
			if cfg.ReasoningOutputMode == config.ReasoningModeThinkTag && len(reasoningParts) > 0 {
				wrapped := "<think>" + strings.Join(reasoningParts, "") + "</think>\n\n"
				write(translator.FormatChunk(wrapped, model, responseID))
			}

		case stream.EventReasoningComplete:
			reasoningParts = append(reasoningParts, ev.Text)
			if cfg.ReasoningOutputMode == config.ReasoningModeThinkTag {
				write(translator.FormatChunk("<think>"+ev.Text+"</think>\n\n", model, responseID))
			} else {
				write(translator.FormatReasoningChunk(ev.Text, model, responseID))
			}

		case stream.EventContent:
			collected.WriteString(ev.Text)
			write(translator.FormatChunk(ev.Text, model, responseID))

		case stream.EventFinish:
			finishReason = normalizeFinishReason(ev.Reason)
			if finishReason == "content_filter" {
				notice := "\n\nresponse terminated early, likely by an upstream content filter or context limit"
				collected.WriteString(notice)
				write(translator.FormatChunk(notice, model, responseID))
			}

		case stream.EventError:
			failed = true
			failMsg = ev.Text
			write(translator.FormatErrorChunk(ev.Text, model, responseID))
			write(translator.FormatFinishChunk(model, responseID, normalizeFinishReason(ev.Reason)))
			write(translator.ErrorResponse(ev.Text, "upstream_error"))
			if clientCtx.Err() == nil {
				_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				if flusher != nil {
					flusher.Flush()
				}
			}
			s.finishRequest(requestID, false, failMsg, collected.Len())
			return
		}
	}

	write(translator.FormatFinishChunk(model, responseID, finishReason))
	if clientCtx.Err() == nil {
		_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.finishRequest(requestID, !failed, failMsg, collected.Len())
}

// unaryResponse aggregates processor events into one completion object.
func (s *Server) unaryResponse(c *gin.Context, cfg *config.Config, proc *stream.Processor, model, requestID string) {
	responseID := "chatcmpl-" + uuid.NewString()

	var content strings.Builder
	var reasoningParts []string
	finishReason := "stop"

	events := proc.Run(context.Background())
	for ev := range events {
		switch ev.Kind {
		case stream.EventContent:
			content.WriteString(ev.Text)
		case stream.EventReasoning, stream.EventReasoningComplete:
			reasoningParts = append(reasoningParts, ev.Text)
		case stream.EventFinish:
			finishReason = normalizeFinishReason(ev.Reason)
		case stream.EventError:
			s.finishRequest(requestID, false, ev.Text, content.Len())
			status := http.StatusInternalServerError
			if strings.Contains(ev.Text, "timed out") {
				status = http.StatusGatewayTimeout
			}
			c.Data(status, "application/json", translator.ErrorResponse(ev.Text, "upstream_error"))
			return
		}
	}

	body := content.String()
	reasoning := strings.Join(reasoningParts, "")
	if cfg.EnableReasoning && reasoning != "" && cfg.ReasoningOutputMode == config.ReasoningModeThinkTag {
		body = "<think>" + reasoning + "</think>\n\n" + body
		reasoning = ""
	}
	if cfg.ReasoningOutputMode != config.ReasoningModeOpenAI || !cfg.EnableReasoning {
		reasoning = ""
	}

	s.finishRequest(requestID, true, "", len(body))
	c.Data(http.StatusOK, "application/json", translator.NonStreamResponse(body, reasoning, model, responseID, finishReason))
}

// finishRequest tears down the channel and metadata and records the outcome.
func (s *Server) finishRequest(requestID string, success bool, errMsg string, contentLen int) {
	s.registry.Close(requestID)
	s.monitor.RequestEnd(requestID, success, errMsg, contentLen/4)
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "content-filter", "content_filter":
		return "content_filter"
	case "length", "max_tokens":
		return "length"
	default:
		return reason
	}
}

func errBody(msg string) gin.H {
	return gin.H{"error": gin.H{"message": msg, "type": "invalid_request_error"}}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
