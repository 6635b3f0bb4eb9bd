package streaming

import (
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// ParseResponse extracts the merged view from a complete non-streaming
// response body. A body that fails to parse yields a response with one
// skipped chunk and no usage; accounting degrades, the passthrough does
// not.
func ParseResponse(protocol types.TargetProtocol, model string, body []byte) *types.MergedResponse {
	out := &types.MergedResponse{Protocol: protocol, Model: model}
	switch protocol {
	case types.TargetOpenAIChat:
		parseOpenAIChatResponse(out, body)
	case types.TargetOpenAIResponses:
		parseResponsesResponse(out, body)
	case types.TargetGemini:
		// The non-streaming Gemini body matches the stream chunk shape.
		m := &geminiMerger{merged: *out}
		m.Feed(Frame{Data: body})
		return m.Result()
	default:
		parseAnthropicResponse(out, body)
	}
	return out
}

func parseAnthropicResponse(out *types.MergedResponse, body []byte) {
	var resp struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string          `json:"stop_reason"`
		Usage      *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		out.SkippedChunks++
		return
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	for _, c := range resp.Content {
		if c.Type == "text" {
			out.Text += c.Text
		}
	}
	out.StopReason = resp.StopReason
	if resp.Usage != nil {
		var u types.Usage
		resp.Usage.apply(&u)
		out.Usage = &u
	}
}

func parseOpenAIChatResponse(out *types.MergedResponse, body []byte) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		out.SkippedChunks++
		return
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	for _, c := range resp.Choices {
		out.Text += c.Message.Content
		if c.FinishReason != "" {
			out.StopReason = c.FinishReason
		}
	}
	if resp.Usage != nil {
		out.Usage = resp.Usage.toUsage()
	}
}

func parseResponsesResponse(out *types.MergedResponse, body []byte) {
	var resp struct {
		Model  string `json:"model"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage *struct {
			InputTokens        int `json:"input_tokens"`
			OutputTokens       int `json:"output_tokens"`
			InputTokensDetails *struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"input_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		out.SkippedChunks++
		return
	}
	if resp.Model != "" {
		out.Model = resp.Model
	}
	out.StopReason = resp.Status
	for _, o := range resp.Output {
		if o.Type != "message" {
			continue
		}
		for _, c := range o.Content {
			if c.Type == "output_text" {
				out.Text += c.Text
			}
		}
	}
	if u := resp.Usage; u != nil {
		usage := &types.Usage{
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			ContextUsed:  u.InputTokens,
		}
		if u.InputTokensDetails != nil {
			usage.CacheRead = u.InputTokensDetails.CachedTokens
			usage.InputTokens -= usage.CacheRead
			if usage.InputTokens < 0 {
				usage.InputTokens = 0
			}
		}
		out.Usage = usage
	}
}

// ParseCountTokens extracts the token count from a count_tokens response so
// the usage row reflects it without billing. Anthropic reports input_tokens,
// Gemini totalTokens.
func ParseCountTokens(body []byte) *types.Usage {
	var resp struct {
		InputTokens int `json:"input_tokens"`
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	n := resp.InputTokens
	if n == 0 {
		n = resp.TotalTokens
	}
	if n == 0 {
		return nil
	}
	return &types.Usage{InputTokens: n, ContextUsed: n}
}
