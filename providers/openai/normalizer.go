// Package openai normalizes OpenAI chat-completions streaming chunks
// ("chat.completion.chunk") into the canonical event sequence.
package openai

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Content slot layout: text (and structured output) stream under slot 0;
// tool calls keep their backend-native index shifted past the text slot.
const toolSlotBase = 1

// ChatCompletionChunk is one streaming chunk from the chat completions API.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"` // "chat.completion.chunk"
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

// Delta carries the incremental updates in a chunk.
type Delta struct {
	Role      *string         `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
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

// Usage reports token counts, present on the final chunk when the caller
// requested stream usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Normalizer folds chat-completions chunks into canonical events.
type Normalizer struct {
	// objectStream additionally emits object_delta events whenever the text
	// accumulated so far parses as a complete JSON document (JSON-mode
	// structured output).
	objectStream bool
}

// Option configures the normalizer.
type Option func(*Normalizer)

// WithObjectStream enables object_delta emission for JSON-mode responses.
func WithObjectStream() Option {
	return func(n *Normalizer) { n.objectStream = true }
}

// New creates an OpenAI chunk normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Interface compliance check.
var _ llmstream.Normalizer = (*Normalizer)(nil)

// Backend returns the backend this normalizer adapts.
func (n *Normalizer) Backend() llmstream.BackendID {
	return llmstream.BackendOpenAI
}

// Transform consumes one chunk. Unparseable chunks are tolerated and
// produce no events.
func (n *Normalizer) Transform(chunk []byte, acc *llmstream.Accumulator) ([]llmstream.StreamEvent, error) {
	var c ChatCompletionChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return nil, nil
	}

	var events []llmstream.StreamEvent

	// The first chunk carrying identifying information opens the stream.
	if c.ID != "" || c.Model != "" || hasRole(c) {
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

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		text := *choice.Delta.Content
		// Accumulate before emit: a concurrent finalize-on-abort must not
		// lose the fragment behind this event.
		acc.AppendText(0, text)
		events = append(events, llmstream.TextDeltaEvent(0, text))

		if n.objectStream {
			if doc := acc.TextFor(0); gjson.Valid(doc) {
				acc.SetObject(0, json.RawMessage(doc))
				events = append(events, llmstream.StreamEvent{
					Type:  llmstream.EventObjectDelta,
					Index: 0,
					Delta: llmstream.Delta{Parsed: json.RawMessage(doc)},
				})
			}
		}
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

func hasRole(c ChatCompletionChunk) bool {
	return len(c.Choices) > 0 && c.Choices[0].Delta.Role != nil
}

// mapFinishReason maps chat-completions finish reasons into the closed
// canonical set.
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
