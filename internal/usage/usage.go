// Package usage parses best-effort token accounting out of upstream
// responses, covering both buffered JSON bodies and SSE event payloads in
// the OpenAI and Anthropic shapes.
package usage

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/Latias94/codex-helper/internal/state"
)

// FromJSON extracts usage from a buffered response body. It returns nil
// when no recognizable usage object is present.
func FromJSON(body []byte) *state.Usage {
	node := gjson.GetBytes(body, "usage")
	if !node.Exists() {
		node = gjson.GetBytes(body, "response.usage")
	}
	if !node.Exists() {
		return nil
	}
	return fromUsageNode(node)
}

func fromUsageNode(node gjson.Result) *state.Usage {
	u := &state.Usage{}

	// OpenAI responses API.
	u.InputTokens = node.Get("input_tokens").Int()
	u.OutputTokens = node.Get("output_tokens").Int()
	u.ReasoningTokens = node.Get("output_tokens_details.reasoning_tokens").Int()

	// OpenAI chat-completions naming.
	if u.InputTokens == 0 {
		u.InputTokens = node.Get("prompt_tokens").Int()
	}
	if u.OutputTokens == 0 {
		u.OutputTokens = node.Get("completion_tokens").Int()
	}
	if u.ReasoningTokens == 0 {
		u.ReasoningTokens = node.Get("completion_tokens_details.reasoning_tokens").Int()
	}

	u.TotalTokens = node.Get("total_tokens").Int()
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	return u
}

// Accumulator folds SSE event payloads into a usage record as a stream is
// relayed. The zero value is ready to use.
type Accumulator struct {
	usage state.Usage
	seen  bool
}

var dataPrefix = []byte("data:")

// FeedLine inspects one SSE line. Non-data lines and undecodable payloads
// are ignored.
func (a *Accumulator) FeedLine(line []byte) {
	line = bytes.TrimSpace(line)
	payload, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	// OpenAI responses API: terminal response.completed event.
	if node := gjson.GetBytes(payload, "response.usage"); node.Exists() {
		if u := fromUsageNode(node); u != nil {
			a.usage = *u
			a.seen = true
		}
		return
	}

	// Anthropic: message_start carries input tokens, message_delta the
	// running output count.
	switch gjson.GetBytes(payload, "type").String() {
	case "message_start":
		if in := gjson.GetBytes(payload, "message.usage.input_tokens"); in.Exists() {
			a.usage.InputTokens = in.Int()
			a.seen = true
		}
	case "message_delta":
		if out := gjson.GetBytes(payload, "usage.output_tokens"); out.Exists() {
			a.usage.OutputTokens = out.Int()
			a.seen = true
		}
	}
}

// Result returns the accumulated usage, nil when nothing was seen.
func (a *Accumulator) Result() *state.Usage {
	if !a.seen {
		return nil
	}
	u := a.usage
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return &u
}
