package translator

import (
	"encoding/json"
	"time"
)

type delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type streamChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type chunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

// FormatChunk builds one OpenAI streaming chunk carrying a content delta.
func FormatChunk(content, model, requestID string) []byte {
	return marshalChunk(chunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamChoice{{Delta: delta{Content: content}}},
	})
}

// FormatReasoningChunk builds a streaming chunk carrying a reasoning delta
// in the dedicated reasoning_content field.
func FormatReasoningChunk(reasoning, model, requestID string) []byte {
	return marshalChunk(chunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamChoice{{Delta: delta{ReasoningContent: reasoning}}},
	})
}

// FormatFinishChunk builds the terminal chunk with the given finish reason.
func FormatFinishChunk(model, requestID, reason string) []byte {
	return marshalChunk(chunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamChoice{{FinishReason: &reason}},
	})
}

// FormatErrorChunk renders an error as a visible content delta so clients
// that do not inspect SSE errors still surface the failure.
func FormatErrorChunk(message, model, requestID string) []byte {
	return FormatChunk("\n\n[ArenaBridge Error]: "+message, model, requestID)
}

type respMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type respChoice struct {
	Index        int         `json:"index"`
	Message      respMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []respChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

// NonStreamResponse builds the single chat.completion object for
// non-streaming clients. reasoning is empty unless the openai reasoning
// mode accumulated a separate reasoning block.
func NonStreamResponse(content, reasoning, model, requestID, reason string) []byte {
	est := len(content) / 4
	body := completion{
		ID:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []respChoice{{
			Message:      respMessage{Role: "assistant", Content: content, ReasoningContent: reasoning},
			FinishReason: reason,
		}},
		Usage: usage{CompletionTokens: est, TotalTokens: est},
	}
	data, _ := json.Marshal(body)
	return data
}

// ErrorResponse builds an OpenAI-shaped error object for non-streaming
// failures.
func ErrorResponse(message, errType string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
	return data
}

func marshalChunk(c chunk) []byte {
	data, _ := json.Marshal(c)
	return data
}
