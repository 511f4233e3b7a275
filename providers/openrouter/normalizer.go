// Package openrouter normalizes OpenRouter streaming chunks. The format is
// an openai variant: chat-completions chunks extended with reasoning
// fields, and ": OPENROUTER PROCESSING" keep-alive comments on the wire
// (those never reach this package; the SSE decoder drops comment lines).
package openrouter

import (
	"encoding/json"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Content slot layout mirrors the openai adapter: reasoning and text stream
// under slot 0, tool calls keep their native index shifted past it.
const toolSlotBase = 1

// ChatCompletionChunk is one streaming chunk from OpenRouter.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is a choice in a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental updates in a chunk. Reasoning arrives
// either as the flat Reasoning field or as ReasoningDetails entries,
// depending on the upstream model.
type Delta struct {
	Role             *string           `json:"role,omitempty"`
	Content          *string           `json:"content,omitempty"`
	ToolCalls        []ToolCallDelta   `json:"tool_calls,omitempty"`
	Reasoning        *string           `json:"reasoning,omitempty"`
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"`
}

// ReasoningDetail is one entry of structured reasoning content.
type ReasoningDetail struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallDelta is an incremental tool-call fragment.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries the function name and partial argument JSON.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage reports token counts on the final chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Normalizer folds OpenRouter chunks into canonical events.
type Normalizer struct{}

// New creates an OpenRouter chunk normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Interface compliance check.
var _ llmstream.Normalizer = (*Normalizer)(nil)

// Backend returns the backend this normalizer adapts.
func (n *Normalizer) Backend() llmstream.BackendID {
	return llmstream.BackendOpenRouter
}

// Transform consumes one chunk. Unparseable chunks are tolerated and
// produce no events.
func (n *Normalizer) Transform(chunk []byte, acc *llmstream.Accumulator) ([]llmstream.StreamEvent, error) {
	var c ChatCompletionChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return nil, nil
	}

	var events []llmstream.StreamEvent

	if c.ID != "" || c.Model != "" {
		if acc.Start(c.ID, c.Model) {
			events = append(events, llmstream.MessageStartEvent(acc.ID(), acc.Model()))
		}
	}

	if c.Usage != nil {
		acc.SetInputTokens(c.Usage.PromptTokens)
		acc.SetOutputTokens(c.Usage.CompletionTokens)
	}

	if len(c.Choices) == 0 {
		return events, nil
	}
	choice := c.Choices[0]

	// Reasoning before text: thinking models stream their reasoning ahead
	// of the answer.
	for _, fragment := range reasoningFragments(choice.Delta) {
		acc.AppendReasoning(0, fragment)
		events = append(events, llmstream.ReasoningDeltaEvent(0, fragment))
	}

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		text := *choice.Delta.Content
		acc.AppendText(0, text)
		events = append(events, llmstream.TextDeltaEvent(0, text))
	}

	for _, tc := range choice.Delta.ToolCalls {
		slot := toolSlotBase + tc.Index
		acc.AppendToolCall(slot, tc.ID, tc.Function.Name, tc.Function.Arguments)
		events = append(events, llmstream.ToolCallDeltaEvent(slot, tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		raw := *choice.FinishReason
		if acc.SetStop(raw, mapFinishReason(raw)) {
			in, out := acc.Usage()
			events = append(events, llmstream.MessageStopEvent(acc.StopReason(), in, out))
		}
	}

	return events, nil
}

// Finalize builds the aggregate response from accumulated state alone.
func (n *Normalizer) Finalize(acc *llmstream.Accumulator) (*llmstream.Response, error) {
	return acc.Finalize(), nil
}

// reasoningFragments extracts reasoning text from whichever field the
// upstream model used. ReasoningDetails wins when both are present, since
// the flat field is often a placeholder there.
func reasoningFragments(d Delta) []string {
	if len(d.ReasoningDetails) > 0 {
		var out []string
		for _, detail := range d.ReasoningDetails {
			if detail.Text != "" {
				out = append(out, detail.Text)
			}
		}
		return out
	}
	if d.Reasoning != nil && *d.Reasoning != "" {
		return []string{*d.Reasoning}
	}
	return nil
}

// mapFinishReason maps OpenRouter finish reasons into the closed canonical
// set.
func mapFinishReason(raw string) llmstream.StopReason {
	switch raw {
	case "stop":
		return llmstream.StopEndTurn
	case "length":
		return llmstream.StopMaxTokens
	case "tool_calls", "function_call":
		return llmstream.StopToolUse
	case "content_filter":
		return llmstream.StopContentFilter
	default:
		return llmstream.StopError
	}
}

func init() {
	llmstream.RegisterNormalizer(New())
}
