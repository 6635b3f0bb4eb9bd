package streaming

import (
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Merger folds stream frames into one logical response for accounting.
// Frames that fail to parse are counted and skipped; a malformed frame
// never aborts the merge, let alone the stream.
type Merger interface {
	Feed(frame Frame)
	Result() *types.MergedResponse
}

// NewMerger returns the merger for a protocol.
func NewMerger(protocol types.TargetProtocol, model string) Merger {
	base := types.MergedResponse{Protocol: protocol, Model: model}
	switch protocol {
	case types.TargetOpenAIChat:
		return &openAIChatMerger{merged: base}
	case types.TargetOpenAIResponses:
		return &responsesMerger{merged: base}
	case types.TargetGemini:
		return &geminiMerger{merged: base}
	default:
		return &anthropicMerger{merged: base}
	}
}

// anthropicUsage is the usage block shape shared by message_start and
// message_delta events.
type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5m int `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

func (u *anthropicUsage) apply(dst *types.Usage) {
	if u.InputTokens > 0 {
		dst.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		dst.OutputTokens = u.OutputTokens
	}
	if u.CacheReadInputTokens > 0 {
		dst.CacheRead = u.CacheReadInputTokens
	}
	if u.CacheCreation != nil {
		dst.CacheCreation5m = u.CacheCreation.Ephemeral5m
		dst.CacheCreation1h = u.CacheCreation.Ephemeral1h
	} else if u.CacheCreationInputTokens > 0 {
		// Without a tier breakdown the whole write is the default tier.
		dst.CacheCreation5m = u.CacheCreationInputTokens
	}
	dst.ContextUsed = dst.InputTokens + dst.CacheRead + dst.CacheCreation5m + dst.CacheCreation1h
}

type anthropicMerger struct {
	merged types.MergedResponse
	usage  types.Usage
	seen   bool
}

func (m *anthropicMerger) Feed(frame Frame) {
	var ev struct {
		Type    string `json:"type"`
		Message *struct {
			Model string         `json:"model"`
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
		Delta *struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		m.merged.SkippedChunks++
		return
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			if ev.Message.Model != "" {
				m.merged.Model = ev.Message.Model
			}
			ev.Message.Usage.apply(&m.usage)
			m.seen = true
		}
	case "content_block_delta":
		if ev.Delta != nil {
			m.merged.Text += ev.Delta.Text
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			m.merged.StopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			ev.Usage.apply(&m.usage)
			m.seen = true
		}
	}
}

func (m *anthropicMerger) Result() *types.MergedResponse {
	out := m.merged
	if m.seen {
		u := m.usage
		out.Usage = &u
	}
	return &out
}

// openAIUsage is the chat-completions usage block.
type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openAIUsage) toUsage() *types.Usage {
	out := &types.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheRead = u.PromptTokensDetails.CachedTokens
		out.InputTokens -= out.CacheRead
		if out.InputTokens < 0 {
			out.InputTokens = 0
		}
	}
	out.ContextUsed = u.PromptTokens
	return out
}

type openAIChatMerger struct {
	merged types.MergedResponse
}

func (m *openAIChatMerger) Feed(frame Frame) {
	var chunk struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(frame.Data, &chunk); err != nil {
		m.merged.SkippedChunks++
		return
	}

	if chunk.Model != "" {
		m.merged.Model = chunk.Model
	}
	for _, c := range chunk.Choices {
		m.merged.Text += c.Delta.Content
		if c.FinishReason != "" {
			m.merged.StopReason = c.FinishReason
		}
	}
	if chunk.Usage != nil {
		m.merged.Usage = chunk.Usage.toUsage()
	}
}

func (m *openAIChatMerger) Result() *types.MergedResponse {
	out := m.merged
	return &out
}

type responsesMerger struct {
	merged types.MergedResponse
}

func (m *responsesMerger) Feed(frame Frame) {
	var ev struct {
		Type     string `json:"type"`
		Delta    string `json:"delta"`
		Response *struct {
			Model string `json:"model"`
			Usage *struct {
				InputTokens        int `json:"input_tokens"`
				OutputTokens       int `json:"output_tokens"`
				InputTokensDetails *struct {
					CachedTokens int `json:"cached_tokens"`
				} `json:"input_tokens_details"`
			} `json:"usage"`
			Status string `json:"status"`
		} `json:"response"`
	}
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		m.merged.SkippedChunks++
		return
	}

	switch ev.Type {
	case "response.output_text.delta":
		m.merged.Text += ev.Delta
	case "response.completed", "response.incomplete":
		if ev.Response == nil {
			return
		}
		if ev.Response.Model != "" {
			m.merged.Model = ev.Response.Model
		}
		m.merged.StopReason = ev.Response.Status
		if u := ev.Response.Usage; u != nil {
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
			m.merged.Usage = usage
		}
	}
}

func (m *responsesMerger) Result() *types.MergedResponse {
	out := m.merged
	return &out
}

type geminiMerger struct {
	merged types.MergedResponse
}

func (m *geminiMerger) Feed(frame Frame) {
	var chunk struct {
		ModelVersion string `json:"modelVersion"`
		Candidates   []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount        int `json:"promptTokenCount"`
			CandidatesTokenCount    int `json:"candidatesTokenCount"`
			CachedContentTokenCount int `json:"cachedContentTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(frame.Data, &chunk); err != nil {
		m.merged.SkippedChunks++
		return
	}

	if chunk.ModelVersion != "" {
		m.merged.Model = chunk.ModelVersion
	}
	for _, c := range chunk.Candidates {
		for _, p := range c.Content.Parts {
			m.merged.Text += p.Text
		}
		if c.FinishReason != "" {
			m.merged.StopReason = c.FinishReason
		}
	}
	if u := chunk.UsageMetadata; u != nil {
		m.merged.Usage = &types.Usage{
			InputTokens:  u.PromptTokenCount - u.CachedContentTokenCount,
			OutputTokens: u.CandidatesTokenCount,
			CacheRead:    u.CachedContentTokenCount,
			ContextUsed:  u.PromptTokenCount,
		}
		if m.merged.Usage.InputTokens < 0 {
			m.merged.Usage.InputTokens = 0
		}
	}
}

func (m *geminiMerger) Result() *types.MergedResponse {
	out := m.merged
	return &out
}
