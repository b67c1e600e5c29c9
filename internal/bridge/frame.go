package bridge

import "github.com/tidwall/gjson"

// FrameKind classifies one agent-to-server message for a single request.
type FrameKind int

const (
	// FrameData carries a raw upstream stream fragment.
	FrameData FrameKind = iota

	// FrameRetry carries an empty-response retry advisory from the agent.
	FrameRetry

	// FrameError carries an error descriptor.
	FrameError

	// FrameDone is the terminal sentinel.
	FrameDone
)

// RetryInfo is the agent's empty-response retry advisory. The agent owns the
// retry loop; the server only observes and optionally relays these.
type RetryInfo struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Reason      string `json:"reason"`
	DelayMS     int    `json:"delay"`
}

// Frame is one demultiplexed message on a response channel.
type Frame struct {
	Kind  FrameKind
	Raw   string
	Error string

	// Final marks an error frame as the agent's last retry attempt.
	Final bool

	Retry *RetryInfo
}

// ParseFrame interprets the data field of an agent message. The payload is a
// raw fragment string, the "[DONE]" sentinel, or a structured advisory.
func ParseFrame(data gjson.Result) (Frame, bool) {
	switch {
	case data.Type == gjson.String:
		if data.String() == "[DONE]" {
			return Frame{Kind: FrameDone}, true
		}
		return Frame{Kind: FrameData, Raw: data.String()}, true
	case data.IsObject():
		if retry := data.Get("retry_info"); retry.Exists() {
			return Frame{Kind: FrameRetry, Retry: &RetryInfo{
				Attempt:     int(retry.Get("attempt").Int()),
				MaxAttempts: int(retry.Get("max_attempts").Int()),
				Reason:      retry.Get("reason").String(),
				DelayMS:     int(retry.Get("delay").Int()),
			}}, true
		}
		if errField := data.Get("error"); errField.Exists() {
			return Frame{
				Kind:  FrameError,
				Error: errField.String(),
				Final: data.Get("final_error").Bool(),
			}, true
		}
	}
	return Frame{}, false
}
