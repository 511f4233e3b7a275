// Package lorem is a mock backend that generates lorem ipsum streams.
// Used for development and end-to-end tests of the decode -> normalize ->
// broker pipeline without real API keys or network access.
package lorem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	loremgen "github.com/bozaro/golorem"
	"github.com/google/uuid"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Chunk is the lorem backend's native streaming chunk shape.
type Chunk struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`

	// Word is one whitespace-delimited text fragment
	Word string `json:"word,omitempty"`

	// Reasoning is one reasoning text fragment
	Reasoning string `json:"reasoning,omitempty"`

	// ToolName and ToolArgs describe a scripted tool call (args arrive whole)
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// Finish is the terminal signal
	// Values: "done", "cutoff", "tool", "filtered"
	Finish string `json:"finish,omitempty"`

	// Usage accompanies the terminal chunk
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Generator produces scripted lorem chunk sequences.
type Generator struct {
	lorem *loremgen.Lorem
}

// NewGenerator creates a lorem chunk generator.
func NewGenerator() *Generator {
	return &Generator{lorem: loremgen.New()}
}

// Script generates the chunk sequence for one stream: an identity chunk,
// one chunk per word, and a terminal chunk.
func (g *Generator) Script(model string, words int) []Chunk {
	chunks := []Chunk{{ID: "lorem_" + uuid.NewString(), Model: model}}

	text := g.lorem.Sentence(words, words)
	fields := strings.Fields(text)
	for i, w := range fields {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, Chunk{Word: w})
	}

	chunks = append(chunks, Chunk{
		Finish:       "done",
		InputTokens:  words,
		OutputTokens: len(fields),
	})
	return chunks
}

// Encode renders chunks as their JSON wire form.
func Encode(chunks []Chunk) ([][]byte, error) {
	out := make([][]byte, 0, len(chunks))
	for i, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("lorem: marshal chunk %d: %w", i, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// EncodeSSE renders chunks as an SSE byte stream terminated by [DONE],
// ready to feed a wire decoder in tests.
func EncodeSSE(chunks []Chunk) ([]byte, error) {
	var buf bytes.Buffer
	encoded, err := Encode(chunks)
	if err != nil {
		return nil, err
	}
	for _, data := range encoded {
		buf.WriteString("data: ")
		buf.Write(data)
		buf.WriteString("\n\n")
	}
	buf.WriteString("data: [DONE]\n\n")
	return buf.Bytes(), nil
}

// Normalizer folds lorem chunks into canonical events.
type Normalizer struct{}

// New creates a lorem chunk normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Interface compliance check.
var _ llmstream.Normalizer = (*Normalizer)(nil)

// Backend returns the backend this normalizer adapts.
func (n *Normalizer) Backend() llmstream.BackendID {
	return llmstream.BackendLorem
}

// Transform consumes one chunk. Unparseable chunks are tolerated and
// produce no events.
func (n *Normalizer) Transform(chunk []byte, acc *llmstream.Accumulator) ([]llmstream.StreamEvent, error) {
	var c Chunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return nil, nil
	}

	var events []llmstream.StreamEvent

	if c.ID != "" || c.Model != "" {
		if acc.Start(c.ID, c.Model) {
			events = append(events, llmstream.MessageStartEvent(acc.ID(), acc.Model()))
		}
	}

	if c.Reasoning != "" {
		acc.AppendReasoning(0, c.Reasoning)
		events = append(events, llmstream.ReasoningDeltaEvent(0, c.Reasoning))
	}

	if c.Word != "" {
		acc.AppendText(0, c.Word)
		events = append(events, llmstream.TextDeltaEvent(0, c.Word))
	}

	if c.ToolName != "" {
		args := string(c.ToolArgs)
		if args == "" {
			args = "{}"
		}
		callID := "call_" + uuid.NewString()
		slot := 1 + acc.ToolCount()
		acc.AppendToolCall(slot, callID, c.ToolName, args)
		events = append(events, llmstream.ToolCallDeltaEvent(slot, callID, c.ToolName, args))
	}

	if c.Finish != "" {
		if c.InputTokens > 0 {
			acc.SetInputTokens(c.InputTokens)
		}
		if c.OutputTokens > 0 {
			acc.SetOutputTokens(c.OutputTokens)
		}
		if acc.SetStop(c.Finish, mapFinish(c.Finish)) {
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

func mapFinish(raw string) llmstream.StopReason {
	switch raw {
	case "done":
		return llmstream.StopEndTurn
	case "cutoff":
		return llmstream.StopMaxTokens
	case "tool":
		return llmstream.StopToolUse
	case "filtered":
		return llmstream.StopContentFilter
	default:
		return llmstream.StopError
	}
}

func init() {
	llmstream.RegisterNormalizer(New())
}
