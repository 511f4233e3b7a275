package openai

import (
	"testing"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

func transformAll(t *testing.T, n *Normalizer, acc *llmstream.Accumulator, chunks []string) []llmstream.StreamEvent {
	t.Helper()
	var events []llmstream.StreamEvent
	for i, chunk := range chunks {
		evs, err := n.Transform([]byte(chunk), acc)
		if err != nil {
			t.Fatalf("Transform(chunk %d) error = %v", i, err)
		}
		events = append(events, evs...)
	}
	return events
}

func TestNormalizer_TextStream(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
	}

	n := New()
	acc := llmstream.NewAccumulator()
	events := transformAll(t, n, acc, chunks)

	wantTypes := []llmstream.EventType{
		llmstream.EventMessageStart,
		llmstream.EventTextDelta,
		llmstream.EventTextDelta,
		llmstream.EventMessageStop,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, events[i].Type, want)
		}
	}

	start := events[0]
	if start.Delta.ID == nil || *start.Delta.ID != "chatcmpl-1" {
		t.Errorf("message_start id = %v, want chatcmpl-1", start.Delta.ID)
	}
	if start.Delta.Model == nil || *start.Delta.Model != "gpt-4o" {
		t.Errorf("message_start model = %v, want gpt-4o", start.Delta.Model)
	}

	stop := events[len(events)-1]
	if stop.Delta.StopReason == nil || *stop.Delta.StopReason != llmstream.StopEndTurn {
		t.Errorf("stop reason = %v, want end_turn", stop.Delta.StopReason)
	}
	if stop.Delta.InputTokens == nil || *stop.Delta.InputTokens != 9 {
		t.Errorf("input tokens = %v, want 9", stop.Delta.InputTokens)
	}

	resp, err := n.Finalize(acc)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if resp.Text() != "Hi there" {
		t.Errorf("Text() = %q, want %q", resp.Text(), "Hi there")
	}
	if resp.StopReason != llmstream.StopEndTurn {
		t.Errorf("StopReason = %q, want end_turn", resp.StopReason)
	}
	if resp.RawStopReason != "stop" {
		t.Errorf("RawStopReason = %q, want stop", resp.RawStopReason)
	}
}

func TestNormalizer_SingleMessageStart(t *testing.T) {
	// Every chunk repeats the id; only the first opens the stream.
	chunks := []string{
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"b"}}]}`,
	}

	acc := llmstream.NewAccumulator()
	events := transformAll(t, New(), acc, chunks)

	starts := 0
	for _, ev := range events {
		if ev.Type == llmstream.EventMessageStart {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("message_start events = %d, want 1", starts)
	}
}

func TestNormalizer_ToolCallFragments(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}

	acc := llmstream.NewAccumulator()
	events := transformAll(t, New(), acc, chunks)

	var toolEvents []llmstream.StreamEvent
	for _, ev := range events {
		if ev.Type == llmstream.EventToolCallDelta {
			toolEvents = append(toolEvents, ev)
		}
	}
	if len(toolEvents) != 3 {
		t.Fatalf("tool_call_delta events = %d, want 3", len(toolEvents))
	}
	// Native tool index 0 lands past the text slot.
	if toolEvents[0].Index != 1 {
		t.Errorf("tool slot = %d, want 1", toolEvents[0].Index)
	}

	resp, err := New().Finalize(acc)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StopReason != llmstream.StopToolUse {
		t.Errorf("StopReason = %q, want tool_use", resp.StopReason)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("ToolCalls() = %d, want 1", len(calls))
	}
	if *calls[0].ToolCallID != "call_1" || *calls[0].ToolCallName != "get_weather" {
		t.Errorf("call identity = (%s, %s)", *calls[0].ToolCallID, *calls[0].ToolCallName)
	}
	if string(calls[0].Arguments) != `{"city":"Paris"}` {
		t.Errorf("Arguments = %s, want {\"city\":\"Paris\"}", calls[0].Arguments)
	}
}

func TestNormalizer_ObjectStream(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"{\"answer\":"}}]}`,
		`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"42}"}}]}`,
	}

	acc := llmstream.NewAccumulator()
	events := transformAll(t, New(WithObjectStream()), acc, chunks)

	var objects []llmstream.StreamEvent
	for _, ev := range events {
		if ev.Type == llmstream.EventObjectDelta {
			objects = append(objects, ev)
		}
	}
	// Only the chunk that completes the document yields an object snapshot.
	if len(objects) != 1 {
		t.Fatalf("object_delta events = %d, want 1", len(objects))
	}
	if string(objects[0].Delta.Parsed) != `{"answer":42}` {
		t.Errorf("parsed = %s, want {\"answer\":42}", objects[0].Delta.Parsed)
	}

	// The last valid parse survives into the finalized response as an
	// object block alongside the raw text.
	resp, err := New().Finalize(acc)
	if err != nil {
		t.Fatal(err)
	}
	var obj *llmstream.ContentBlock
	for _, b := range resp.Blocks {
		if b.BlockType == llmstream.BlockTypeObject {
			obj = b
		}
	}
	if obj == nil {
		t.Fatal("no object block in finalized response")
	}
	if string(obj.Object) != `{"answer":42}` {
		t.Errorf("Object = %s, want {\"answer\":42}", obj.Object)
	}
}

func TestNormalizer_MalformedChunkTolerated(t *testing.T) {
	acc := llmstream.NewAccumulator()
	events, err := New().Transform([]byte(`{"id": truncated`), acc)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		raw      string
		expected llmstream.StopReason
	}{
		{raw: "stop", expected: llmstream.StopEndTurn},
		{raw: "length", expected: llmstream.StopMaxTokens},
		{raw: "tool_calls", expected: llmstream.StopToolUse},
		{raw: "function_call", expected: llmstream.StopToolUse},
		{raw: "content_filter", expected: llmstream.StopContentFilter},
		{raw: "something_new", expected: llmstream.StopError},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := mapFinishReason(tt.raw); got != tt.expected {
				t.Errorf("mapFinishReason(%q) = %q, want %q", tt.raw, got, tt.expected)
			}
		})
	}
}
