// Package anthropic normalizes Anthropic Messages streaming events into the
// canonical event sequence. Raw SSE data payloads are decoded through the
// SDK's event union, so new fields arrive for free with SDK upgrades.
package anthropic

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Normalizer folds Anthropic stream events into canonical events.
// Anthropic provides native block indices, which are used directly.
type Normalizer struct{}

// New creates an Anthropic chunk normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Interface compliance check.
var _ llmstream.Normalizer = (*Normalizer)(nil)

// Backend returns the backend this normalizer adapts.
func (n *Normalizer) Backend() llmstream.BackendID {
	return llmstream.BackendAnthropic
}

// Transform consumes one decoded SSE payload. Payloads the SDK cannot
// decode are tolerated and produce no events.
//
// Anthropic event mapping:
//   - message_start          -> message_start (id, model, input tokens)
//   - content_block_start    -> content_block_start (+ tool id/name for tool_use)
//   - content_block_delta    -> text_delta | reasoning_delta | tool_call_delta
//   - content_block_stop     -> content_block_stop
//   - message_delta          -> records stop reason and output tokens
//   - message_stop           -> message_stop
//   - ping, unknown          -> nothing
func (n *Normalizer) Transform(chunk []byte, acc *llmstream.Accumulator) ([]llmstream.StreamEvent, error) {
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(chunk, &event); err != nil {
		return nil, nil
	}

	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		if acc.Start(e.Message.ID, string(e.Message.Model)) {
			acc.SetInputTokens(int(e.Message.Usage.InputTokens))
			return []llmstream.StreamEvent{
				llmstream.MessageStartEvent(acc.ID(), acc.Model()),
			}, nil
		}
		return nil, nil

	case anthropic.ContentBlockStartEvent:
		return n.handleBlockStart(e, acc), nil

	case anthropic.ContentBlockDeltaEvent:
		return n.handleBlockDelta(e, acc), nil

	case anthropic.ContentBlockStopEvent:
		return []llmstream.StreamEvent{{
			Type:  llmstream.EventContentBlockStop,
			Index: int(e.Index),
		}}, nil

	case anthropic.MessageDeltaEvent:
		// Field access through gjson keeps this tolerant of partial
		// message_delta shapes.
		if out := gjson.GetBytes(chunk, "usage.output_tokens"); out.Exists() {
			acc.SetOutputTokens(int(out.Int()))
		}
		if stop := gjson.GetBytes(chunk, "delta.stop_reason"); stop.Exists() && stop.String() != "" {
			acc.SetStop(stop.String(), mapStopReason(stop.String()))
		}
		return nil, nil

	case anthropic.MessageStopEvent:
		if !acc.Stopped() {
			// message_stop without a preceding stop reason: treat as a
			// natural finish.
			acc.SetStop("end_turn", llmstream.StopEndTurn)
		}
		in, out := acc.Usage()
		return []llmstream.StreamEvent{
			llmstream.MessageStopEvent(acc.StopReason(), in, out),
		}, nil

	default:
		// Unknown event types (ping included) are ignored per the API spec.
		return nil, nil
	}
}

func (n *Normalizer) handleBlockStart(e anthropic.ContentBlockStartEvent, acc *llmstream.Accumulator) []llmstream.StreamEvent {
	index := int(e.Index)

	switch e.ContentBlock.Type {
	case "tool_use":
		acc.AppendToolCall(index, e.ContentBlock.ID, e.ContentBlock.Name, "")
		blockType := llmstream.BlockTypeToolCall
		ev := llmstream.StreamEvent{
			Type:  llmstream.EventContentBlockStart,
			Index: index,
		}
		ev.Delta.BlockType = &blockType
		if e.ContentBlock.ID != "" {
			id := e.ContentBlock.ID
			ev.Delta.ToolCallID = &id
		}
		if e.ContentBlock.Name != "" {
			name := e.ContentBlock.Name
			ev.Delta.ToolCallName = &name
		}
		return []llmstream.StreamEvent{ev}

	case "thinking":
		blockType := llmstream.BlockTypeReasoning
		return []llmstream.StreamEvent{{
			Type:  llmstream.EventContentBlockStart,
			Index: index,
			Delta: llmstream.Delta{BlockType: &blockType},
		}}

	default:
		blockType := llmstream.BlockTypeText
		return []llmstream.StreamEvent{{
			Type:  llmstream.EventContentBlockStart,
			Index: index,
			Delta: llmstream.Delta{BlockType: &blockType},
		}}
	}
}

func (n *Normalizer) handleBlockDelta(e anthropic.ContentBlockDeltaEvent, acc *llmstream.Accumulator) []llmstream.StreamEvent {
	index := int(e.Index)

	switch e.Delta.Type {
	case "text_delta":
		acc.AppendText(index, e.Delta.Text)
		return []llmstream.StreamEvent{llmstream.TextDeltaEvent(index, e.Delta.Text)}

	case "thinking_delta":
		acc.AppendReasoning(index, e.Delta.Thinking)
		return []llmstream.StreamEvent{llmstream.ReasoningDeltaEvent(index, e.Delta.Thinking)}

	case "input_json_delta":
		tc := acc.AppendToolCall(index, "", "", e.Delta.PartialJSON)
		return []llmstream.StreamEvent{
			llmstream.ToolCallDeltaEvent(index, tc.ID, tc.Name, e.Delta.PartialJSON),
		}

	case "signature_delta":
		// Signatures are not part of the canonical vocabulary.
		return nil

	default:
		return nil
	}
}

// Finalize builds the aggregate response from accumulated state alone.
func (n *Normalizer) Finalize(acc *llmstream.Accumulator) (*llmstream.Response, error) {
	return acc.Finalize(), nil
}

// mapStopReason maps Anthropic stop reasons into the closed canonical set.
func mapStopReason(raw string) llmstream.StopReason {
	switch raw {
	case "end_turn", "stop_sequence", "pause_turn":
		return llmstream.StopEndTurn
	case "max_tokens":
		return llmstream.StopMaxTokens
	case "tool_use":
		return llmstream.StopToolUse
	case "refusal":
		return llmstream.StopContentFilter
	default:
		return llmstream.StopError
	}
}

func init() {
	llmstream.RegisterNormalizer(New())
}
