package streaming

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

func feed(m Merger, datas ...string) {
	for _, d := range datas {
		m.Feed(Frame{Data: []byte(d)})
	}
}

func TestAnthropicMerge(t *testing.T) {
	m := NewMerger(types.TargetAnthropic, "claude-sonnet-4")
	feed(m,
		`{"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"cache_read_input_tokens":50,"cache_creation":{"ephemeral_5m_input_tokens":20,"ephemeral_1h_input_tokens":10}}}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":", world"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`,
	)

	res := m.Result()
	assert.Equal(t, "claude-sonnet-4-20250514", res.Model)
	assert.Equal(t, "Hello, world", res.Text)
	assert.Equal(t, "end_turn", res.StopReason)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 100, res.Usage.InputTokens)
	assert.Equal(t, 42, res.Usage.OutputTokens)
	assert.Equal(t, 50, res.Usage.CacheRead)
	assert.Equal(t, 20, res.Usage.CacheCreation5m)
	assert.Equal(t, 10, res.Usage.CacheCreation1h)
	assert.Equal(t, 180, res.Usage.ContextUsed)
}

func TestAnthropicCacheWriteWithoutTierBreakdown(t *testing.T) {
	m := NewMerger(types.TargetAnthropic, "m")
	feed(m, `{"type":"message_start","message":{"usage":{"input_tokens":10,"cache_creation_input_tokens":30}}}`)

	res := m.Result()
	require.NotNil(t, res.Usage)
	assert.Equal(t, 30, res.Usage.CacheCreation5m)
	assert.Zero(t, res.Usage.CacheCreation1h)
}

func TestAnthropicMalformedFrameSkipped(t *testing.T) {
	m := NewMerger(types.TargetAnthropic, "m")
	feed(m,
		`{"type":"content_block_delta","delta":{"text":"ok"}}`,
		`{not json`,
	)

	res := m.Result()
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 1, res.SkippedChunks)
	// No usage block seen: usage stays nil rather than zero-valued.
	assert.Nil(t, res.Usage)
}

func TestOpenAIChatMerge(t *testing.T) {
	m := NewMerger(types.TargetOpenAIChat, "gpt-4o")
	feed(m,
		`{"model":"gpt-4o-2024-08-06","choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":" there"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":80,"completion_tokens":20,"prompt_tokens_details":{"cached_tokens":30}}}`,
	)

	res := m.Result()
	assert.Equal(t, "gpt-4o-2024-08-06", res.Model)
	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, "stop", res.StopReason)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 50, res.Usage.InputTokens)
	assert.Equal(t, 30, res.Usage.CacheRead)
	assert.Equal(t, 20, res.Usage.OutputTokens)
	assert.Equal(t, 80, res.Usage.ContextUsed)
}

func TestResponsesMerge(t *testing.T) {
	m := NewMerger(types.TargetOpenAIResponses, "o4-mini")
	feed(m,
		`{"type":"response.output_text.delta","delta":"par"}`,
		`{"type":"response.output_text.delta","delta":"tial"}`,
		`{"type":"response.completed","response":{"model":"o4-mini-2025-04-16","status":"completed","usage":{"input_tokens":60,"output_tokens":15,"input_tokens_details":{"cached_tokens":10}}}}`,
	)

	res := m.Result()
	assert.Equal(t, "partial", res.Text)
	assert.Equal(t, "completed", res.StopReason)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 50, res.Usage.InputTokens)
	assert.Equal(t, 10, res.Usage.CacheRead)
	assert.Equal(t, 15, res.Usage.OutputTokens)
}

func TestGeminiMerge(t *testing.T) {
	m := NewMerger(types.TargetGemini, "gemini-2.0-flash")
	feed(m,
		`{"candidates":[{"content":{"parts":[{"text":"He"}]}}],"modelVersion":"gemini-2.0-flash-001"}`,
		`{"candidates":[{"content":{"parts":[{"text":"y"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":40,"candidatesTokenCount":8,"cachedContentTokenCount":15}}`,
	)

	res := m.Result()
	assert.Equal(t, "gemini-2.0-flash-001", res.Model)
	assert.Equal(t, "Hey", res.Text)
	assert.Equal(t, "STOP", res.StopReason)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 25, res.Usage.InputTokens)
	assert.Equal(t, 15, res.Usage.CacheRead)
	assert.Equal(t, 8, res.Usage.OutputTokens)
	assert.Equal(t, 40, res.Usage.ContextUsed)
}

func TestForwardPassthroughAndMerge(t *testing.T) {
	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":5}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}` + "\n\n"

	tap := NewTap(types.TargetAnthropic, "claude-sonnet-4", FormatSSE)
	rec := httptest.NewRecorder()

	written, err := Forward(rec, bytes.NewReader([]byte(stream)), tap)
	require.NoError(t, err)
	assert.Equal(t, int64(len(stream)), written)
	// Raw passthrough: the client sees the stream byte-for-byte.
	assert.Equal(t, stream, rec.Body.String())

	res := tap.Finish()
	assert.Equal(t, "hi", res.Text)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 5, res.Usage.InputTokens)
	assert.Equal(t, 2, res.Usage.OutputTokens)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, assert.AnError }

func TestForwardClientWriteFailure(t *testing.T) {
	tap := NewTap(types.TargetAnthropic, "m", FormatSSE)
	defer tap.Finish()

	_, err := Forward(failWriter{}, bytes.NewReader([]byte("data: {}\n\n")), tap)
	var de *DestError
	require.ErrorAs(t, err, &de)
}
