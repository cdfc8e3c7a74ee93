package usage

import "testing"

func TestFromJSON_ResponsesShape(t *testing.T) {
	t.Parallel()

	body := []byte(`{"usage":{"input_tokens":100,"output_tokens":40,"output_tokens_details":{"reasoning_tokens":12},"total_tokens":140}}`)
	u := FromJSON(body)
	if u == nil {
		t.Fatalf("FromJSON() = nil")
	}
	if u.InputTokens != 100 || u.OutputTokens != 40 || u.ReasoningTokens != 12 || u.TotalTokens != 140 {
		t.Fatalf("FromJSON() = %+v", u)
	}
}

func TestFromJSON_ChatCompletionsShape(t *testing.T) {
	t.Parallel()

	body := []byte(`{"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`)
	u := FromJSON(body)
	if u == nil || u.InputTokens != 9 || u.OutputTokens != 3 || u.TotalTokens != 12 {
		t.Fatalf("FromJSON() = %+v", u)
	}
}

func TestFromJSON_NoUsage(t *testing.T) {
	t.Parallel()

	if u := FromJSON([]byte(`{"id":"resp_1"}`)); u != nil {
		t.Fatalf("FromJSON() = %+v, want nil", u)
	}
	if u := FromJSON(nil); u != nil {
		t.Fatalf("FromJSON(nil) = %+v, want nil", u)
	}
}

func TestAccumulator_ResponsesCompleted(t *testing.T) {
	t.Parallel()

	var acc Accumulator
	acc.FeedLine([]byte(`event: response.output_text.delta`))
	acc.FeedLine([]byte(`data: {"type":"response.output_text.delta","delta":"hi"}`))
	acc.FeedLine([]byte(`data: {"type":"response.completed","response":{"usage":{"input_tokens":50,"output_tokens":7,"total_tokens":57}}}`))
	acc.FeedLine([]byte(`data: [DONE]`))

	u := acc.Result()
	if u == nil || u.InputTokens != 50 || u.OutputTokens != 7 || u.TotalTokens != 57 {
		t.Fatalf("Result() = %+v", u)
	}
}

func TestAccumulator_AnthropicShape(t *testing.T) {
	t.Parallel()

	var acc Accumulator
	acc.FeedLine([]byte(`data: {"type":"message_start","message":{"usage":{"input_tokens":21}}}`))
	acc.FeedLine([]byte(`data: {"type":"content_block_delta","delta":{"text":"x"}}`))
	acc.FeedLine([]byte(`data: {"type":"message_delta","usage":{"output_tokens":5}}`))

	u := acc.Result()
	if u == nil || u.InputTokens != 21 || u.OutputTokens != 5 || u.TotalTokens != 26 {
		t.Fatalf("Result() = %+v", u)
	}
}

func TestAccumulator_NothingSeen(t *testing.T) {
	t.Parallel()

	var acc Accumulator
	acc.FeedLine([]byte(`: keep-alive`))
	if u := acc.Result(); u != nil {
		t.Fatalf("Result() = %+v, want nil", u)
	}
}
