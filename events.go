package llmstream

import "encoding/json"

// EventType identifies the kind of canonical stream event.
// Using a typed constant prevents typos and provides compile-time safety.
type EventType string

// Canonical event types emitted by every backend normalizer.
const (
	// EventMessageStart opens a stream. Emitted at most once, always first.
	EventMessageStart EventType = "message_start"

	// EventTextDelta carries incremental text for a content slot.
	EventTextDelta EventType = "text_delta"

	// EventReasoningDelta carries incremental reasoning/thinking text.
	EventReasoningDelta EventType = "reasoning_delta"

	// EventToolCallDelta carries tool-call metadata and partial argument JSON.
	EventToolCallDelta EventType = "tool_call_delta"

	// EventImageDelta carries incremental image bytes.
	EventImageDelta EventType = "image_delta"

	// EventObjectDelta carries a parse of structured output accumulated so far.
	EventObjectDelta EventType = "object_delta"

	// EventContentBlockStart marks a new content slot opening at Index.
	EventContentBlockStart EventType = "content_block_start"

	// EventContentBlockStop marks a content slot closing at Index.
	EventContentBlockStop EventType = "content_block_stop"

	// EventMessageStop closes a stream. Emitted at most once, always last.
	EventMessageStop EventType = "message_stop"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsValid returns true if the event type is part of the canonical vocabulary.
func (t EventType) IsValid() bool {
	switch t {
	case EventMessageStart, EventTextDelta, EventReasoningDelta, EventToolCallDelta,
		EventImageDelta, EventObjectDelta, EventContentBlockStart, EventContentBlockStop,
		EventMessageStop:
		return true
	default:
		return false
	}
}

// Delta is the type-dependent payload of a StreamEvent.
// Only the fields relevant to the event's Type are set; everything else is nil.
//
// Field usage by event type:
//   - message_start: ID, Model
//   - text_delta, reasoning_delta: Text
//   - tool_call_delta: ToolCallID, ToolCallName, ArgumentsJSON
//   - image_delta: ImageData, MimeType
//   - object_delta: Parsed
//   - message_stop: StopReason, InputTokens, OutputTokens
//   - content_block_start: BlockType (optional)
//   - content_block_stop: (no payload)
type Delta struct {
	// ID is the backend-assigned message identifier (message_start only)
	ID *string `json:"id,omitempty"`

	// Model is the model that is generating (message_start only)
	Model *string `json:"model,omitempty"`

	// Text contains incremental text or reasoning content
	Text *string `json:"text,omitempty"`

	// BlockType labels the slot opened by content_block_start
	// Values: "text", "reasoning", "tool_call", "image"
	BlockType *string `json:"block_type,omitempty"`

	// ToolCallID identifies the tool call this fragment belongs to
	ToolCallID *string `json:"tool_call_id,omitempty"`

	// ToolCallName is the tool's function name (first fragment only, usually)
	ToolCallName *string `json:"tool_name,omitempty"`

	// ArgumentsJSON is a partial JSON fragment of the tool-call arguments
	ArgumentsJSON *string `json:"arguments_json,omitempty"`

	// ImageData contains incremental image bytes (already base64-decoded)
	ImageData []byte `json:"image_data,omitempty"`

	// MimeType labels ImageData (image_delta only)
	MimeType *string `json:"mime_type,omitempty"`

	// Parsed is the structured-output object parsed from content so far
	Parsed json.RawMessage `json:"parsed,omitempty"`

	// StopReason is the mapped terminal status (message_stop only)
	StopReason *StopReason `json:"stop_reason,omitempty"`

	// InputTokens and OutputTokens report usage when the backend sent it
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
}

// StreamEvent is the backend-agnostic unit emitted by normalization.
// It is the only vocabulary downstream consumers (and the session broker)
// understand. The wire shape is {"type": ..., "index": ..., "delta": {...}}.
//
// Invariants within one stream:
//   - message_start appears at most once and always first
//   - message_stop appears at most once and always last
//   - events for a given Index form an append-only accumulation: concatenating
//     all text_delta payloads for an index reproduces that slot's final text
type StreamEvent struct {
	// Type tags the event
	Type EventType `json:"type"`

	// Index identifies which parallel content slot the event belongs to
	// (text, a specific tool call, an image). 0-indexed.
	Index int `json:"index"`

	// Delta is the type-dependent payload
	Delta Delta `json:"delta"`
}

// IsTerminal returns true for the event that ends a stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventMessageStop
}

// IsDelta returns true if the event carries incremental content.
func (e StreamEvent) IsDelta() bool {
	switch e.Type {
	case EventTextDelta, EventReasoningDelta, EventToolCallDelta, EventImageDelta, EventObjectDelta:
		return true
	default:
		return false
	}
}

// TextPayload returns the text carried by a text/reasoning delta, or "".
func (e StreamEvent) TextPayload() string {
	if e.Delta.Text == nil {
		return ""
	}
	return *e.Delta.Text
}

// MessageStartEvent builds the canonical stream opener.
func MessageStartEvent(id, model string) StreamEvent {
	return StreamEvent{
		Type:  EventMessageStart,
		Delta: Delta{ID: &id, Model: &model},
	}
}

// TextDeltaEvent builds a text delta for the given slot.
func TextDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{
		Type:  EventTextDelta,
		Index: index,
		Delta: Delta{Text: &text},
	}
}

// ReasoningDeltaEvent builds a reasoning delta for the given slot.
func ReasoningDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{
		Type:  EventReasoningDelta,
		Index: index,
		Delta: Delta{Text: &text},
	}
}

// ToolCallDeltaEvent builds a tool-call fragment for the given slot.
// id and name may be empty on continuation fragments.
func ToolCallDeltaEvent(index int, id, name, argsFragment string) StreamEvent {
	d := Delta{ArgumentsJSON: &argsFragment}
	if id != "" {
		d.ToolCallID = &id
	}
	if name != "" {
		d.ToolCallName = &name
	}
	return StreamEvent{Type: EventToolCallDelta, Index: index, Delta: d}
}

// MessageStopEvent builds the canonical stream terminator.
func MessageStopEvent(reason StopReason, inputTokens, outputTokens int) StreamEvent {
	return StreamEvent{
		Type: EventMessageStop,
		Delta: Delta{
			StopReason:   &reason,
			InputTokens:  &inputTokens,
			OutputTokens: &outputTokens,
		},
	}
}
