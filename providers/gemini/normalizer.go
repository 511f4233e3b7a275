// Package gemini normalizes Google streamGenerateContent chunks into the
// canonical event sequence. Gemini's chunk shape varies a lot between
// models and API versions, so fields are extracted tolerantly with gjson
// instead of a rigid struct decode.
package gemini

import (
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Content slot layout: reasoning and text stream under slot 0; tool calls
// and images are assigned slots past it in first-seen order (Gemini has no
// native block indices).
const slotBase = 1

// Normalizer folds Gemini chunks into canonical events.
//
// Part mapping (candidates[0].content.parts[]):
//   - {text}                          -> text_delta (reasoning_delta when thought=true)
//   - {inlineData: {mimeType, data}}  -> image_delta (base64-decoded)
//   - {functionCall: {name, args}}    -> tool_call_delta (args arrive whole)
//
// finishReason on a candidate is the terminal signal; usageMetadata is
// recorded whenever present.
type Normalizer struct{}

// New creates a Gemini chunk normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Interface compliance check.
var _ llmstream.Normalizer = (*Normalizer)(nil)

// Backend returns the backend this normalizer adapts.
func (n *Normalizer) Backend() llmstream.BackendID {
	return llmstream.BackendGemini
}

// Transform consumes one chunk. Chunks without a candidate are tolerated
// and produce no events.
func (n *Normalizer) Transform(chunk []byte, acc *llmstream.Accumulator) ([]llmstream.StreamEvent, error) {
	root := gjson.ParseBytes(chunk)
	if !root.IsObject() {
		return nil, nil
	}

	var events []llmstream.StreamEvent

	id := root.Get("responseId").String()
	model := root.Get("modelVersion").String()
	if id != "" || model != "" || root.Get("candidates").Exists() {
		if acc.Start(id, model) {
			events = append(events, llmstream.MessageStartEvent(acc.ID(), acc.Model()))
		}
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		acc.SetInputTokens(int(usage.Get("promptTokenCount").Int()))
		acc.SetOutputTokens(int(usage.Get("candidatesTokenCount").Int()))
	}

	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return events, nil
	}

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		events = append(events, n.transformPart(part, acc)...)
		return true
	})

	if raw := candidate.Get("finishReason").String(); raw != "" {
		if acc.SetStop(raw, mapFinishReason(raw)) {
			in, out := acc.Usage()
			events = append(events, llmstream.MessageStopEvent(acc.StopReason(), in, out))
		}
	}

	return events, nil
}

func (n *Normalizer) transformPart(part gjson.Result, acc *llmstream.Accumulator) []llmstream.StreamEvent {
	if text := part.Get("text"); text.Exists() && text.String() != "" {
		acc.CloseImage()
		if part.Get("thought").Bool() {
			acc.AppendReasoning(0, text.String())
			return []llmstream.StreamEvent{llmstream.ReasoningDeltaEvent(0, text.String())}
		}
		acc.AppendText(0, text.String())
		return []llmstream.StreamEvent{llmstream.TextDeltaEvent(0, text.String())}
	}

	if call := part.Get("functionCall"); call.Exists() {
		acc.CloseImage()
		name := call.Get("name").String()
		args := call.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		// Gemini sends complete calls with no call id; assign one so the
		// canonical event is self-identifying across backends.
		callID := "call_" + uuid.NewString()
		slot := slotBase + acc.ToolCount() + acc.ImageCount()
		acc.AppendToolCall(slot, callID, name, args)
		return []llmstream.StreamEvent{llmstream.ToolCallDeltaEvent(slot, callID, name, args)}
	}

	if inline := part.Get("inlineData"); inline.Exists() {
		data, err := base64.StdEncoding.DecodeString(inline.Get("data").String())
		if err != nil {
			// A torn base64 payload is a malformed fragment: swallowed.
			return nil
		}
		mime := inline.Get("mimeType").String()
		// An image streamed across chunks keeps accumulating under one slot
		// until a different part kind (or mime type) intervenes.
		slot := acc.ImageSlotFor(mime, slotBase)
		acc.AppendImage(slot, mime, data)
		ev := llmstream.StreamEvent{
			Type:  llmstream.EventImageDelta,
			Index: slot,
			Delta: llmstream.Delta{ImageData: data},
		}
		if mime != "" {
			ev.Delta.MimeType = &mime
		}
		return []llmstream.StreamEvent{ev}
	}

	return nil
}

// Finalize builds the aggregate response from accumulated state alone.
func (n *Normalizer) Finalize(acc *llmstream.Accumulator) (*llmstream.Response, error) {
	return acc.Finalize(), nil
}

// mapFinishReason maps Gemini finish reasons into the closed canonical set.
func mapFinishReason(raw string) llmstream.StopReason {
	switch raw {
	case "STOP":
		return llmstream.StopEndTurn
	case "MAX_TOKENS":
		return llmstream.StopMaxTokens
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "RECITATION":
		return llmstream.StopContentFilter
	default:
		return llmstream.StopError
	}
}

func init() {
	llmstream.RegisterNormalizer(New())
}
