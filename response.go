package llmstream

import "encoding/json"

// StopReason is the closed set of terminal statuses a finalized response can
// carry. Backend-native finish reasons are mapped into this set by each
// normalizer; unknown reasons map to StopError rather than leaking through.
type StopReason string

const (
	// StopEndTurn means the model finished naturally.
	StopEndTurn StopReason = "end_turn"

	// StopMaxTokens means generation hit the output token ceiling.
	StopMaxTokens StopReason = "max_tokens"

	// StopToolUse means the model stopped to request tool execution.
	StopToolUse StopReason = "tool_use"

	// StopContentFilter means the backend suppressed content.
	StopContentFilter StopReason = "content_filter"

	// StopError means the stream ended abnormally (disconnect, backend error).
	StopError StopReason = "error"
)

// String returns the string representation of the stop reason.
func (r StopReason) String() string {
	return string(r)
}

// IsValid returns true if the stop reason is part of the closed set.
func (r StopReason) IsValid() bool {
	switch r {
	case StopEndTurn, StopMaxTokens, StopToolUse, StopContentFilter, StopError:
		return true
	default:
		return false
	}
}

// Content block type constants for finalized responses.
const (
	BlockTypeText      = "text"
	BlockTypeReasoning = "reasoning"
	BlockTypeToolCall  = "tool_call"
	BlockTypeImage     = "image"
	BlockTypeObject    = "object"
)

// ContentBlock is one finalized content slot of an aggregate response.
// Blocks are ordered by ascending stream index.
type ContentBlock struct {
	// BlockType indicates the kind of block
	// Values: "text", "reasoning", "tool_call", "image", "object"
	BlockType string `json:"block_type"`

	// Index is the content slot the block was streamed under
	Index int `json:"index"`

	// Text contains the accumulated text for text/reasoning blocks
	Text *string `json:"text,omitempty"`

	// ToolCallID and ToolCallName identify a tool_call block
	ToolCallID   *string `json:"tool_call_id,omitempty"`
	ToolCallName *string `json:"tool_name,omitempty"`

	// Arguments is the parsed tool-call argument object. Partial argument
	// JSON that never became valid is replaced by an empty object; the raw
	// fragment is preserved in RawArguments for diagnostics.
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	RawArguments *string         `json:"raw_arguments,omitempty"`

	// ImageData and MimeType describe an image block
	ImageData []byte  `json:"image_data,omitempty"`
	MimeType  *string `json:"mime_type,omitempty"`

	// Object is the parsed structured output for an object block
	Object json.RawMessage `json:"object,omitempty"`
}

// Response is the aggregate result of one stream, reconstructed from
// accumulator state alone. It is produced by Normalizer.Finalize both at
// natural stream end and after failure or reconnect, so it must always be
// buildable from whatever prefix of the stream was observed.
type Response struct {
	// ID is the backend message identifier, or a generated one if absent
	ID string `json:"id"`

	// Model is the model that generated the response
	Model string `json:"model"`

	// Blocks is the finalized content, ordered by ascending stream index
	Blocks []*ContentBlock `json:"blocks"`

	// InputTokens and OutputTokens report usage as last seen on the stream
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// StopReason is the mapped terminal status. Streams that never saw a
	// terminal chunk finalize as StopError.
	StopReason StopReason `json:"stop_reason"`

	// RawStopReason preserves the backend-native finish reason, if any
	RawStopReason string `json:"raw_stop_reason,omitempty"`
}

// Text concatenates the text of all text blocks in index order.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.BlockType == BlockTypeText && b.Text != nil {
			out += *b.Text
		}
	}
	return out
}

// Reasoning concatenates the text of all reasoning blocks in index order.
func (r *Response) Reasoning() string {
	var out string
	for _, b := range r.Blocks {
		if b.BlockType == BlockTypeReasoning && b.Text != nil {
			out += *b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_call blocks in index order.
func (r *Response) ToolCalls() []*ContentBlock {
	var calls []*ContentBlock
	for _, b := range r.Blocks {
		if b.BlockType == BlockTypeToolCall {
			calls = append(calls, b)
		}
	}
	return calls
}
