package llmstream

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ToolCallState holds the in-flight fragments of one tool call.
type ToolCallState struct {
	// ID is the backend-assigned tool call identifier
	ID string

	// Name is the tool's function name
	Name string

	// Args accumulates partial argument JSON fragments
	Args strings.Builder
}

type imageState struct {
	mimeType string
	buf      bytes.Buffer
}

// Accumulator is the per-stream mutable scratch state used to fold incremental
// chunks into one final response. It is owned exclusively by a single
// normalizer invocation and never shared across sessions, so it carries no
// internal locking.
//
// Lifecycle: created empty at stream start, mutated once per incoming chunk,
// consumed by Finalize to build the aggregate response, then discarded.
//
// Normalizers must append fragments to the accumulator BEFORE emitting the
// corresponding delta event, so a finalize-on-abort racing the emission never
// loses the fragment behind a just-emitted event.
type Accumulator struct {
	id    string
	model string

	text      map[int]*strings.Builder
	reasoning map[int]*strings.Builder
	tools     map[int]*ToolCallState
	images    map[int]*imageState
	objects   map[int]json.RawMessage

	// nextSlot assigns slots in first-seen order for backends that identify
	// content by id rather than by a native numeric index.
	nextSlot  int
	slotByKey map[string]int

	// openImage tracks the slot an in-flight image is accumulating under,
	// -1 when no image is open.
	openImage     int
	openImageMime string

	inputTokens  int
	outputTokens int

	rawStop string
	stop    StopReason
	started bool
	stopped bool
}

// NewAccumulator creates an empty accumulator for one stream.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		text:      make(map[int]*strings.Builder),
		reasoning: make(map[int]*strings.Builder),
		tools:     make(map[int]*ToolCallState),
		images:    make(map[int]*imageState),
		objects:   make(map[int]json.RawMessage),
		slotByKey: make(map[string]int),
		openImage: -1,
	}
}

// Start records stream identity. Returns true on the first call so the caller
// can emit exactly one message_start; later calls only fill missing fields.
func (a *Accumulator) Start(id, model string) bool {
	if id != "" && a.id == "" {
		a.id = id
	}
	if model != "" && a.model == "" {
		a.model = model
	}
	if a.started {
		return false
	}
	a.started = true
	return true
}

// Started reports whether stream identity was recorded.
func (a *Accumulator) Started() bool { return a.started }

// ID returns the recorded message identifier, which may be empty.
func (a *Accumulator) ID() string { return a.id }

// Model returns the recorded model name, which may be empty.
func (a *Accumulator) Model() string { return a.model }

// AppendText appends a text fragment to the given slot.
func (a *Accumulator) AppendText(index int, s string) {
	b, ok := a.text[index]
	if !ok {
		b = &strings.Builder{}
		a.text[index] = b
	}
	b.WriteString(s)
}

// AppendReasoning appends a reasoning fragment to the given slot.
func (a *Accumulator) AppendReasoning(index int, s string) {
	b, ok := a.reasoning[index]
	if !ok {
		b = &strings.Builder{}
		a.reasoning[index] = b
	}
	b.WriteString(s)
}

// TextFor returns the text accumulated for a slot so far.
func (a *Accumulator) TextFor(index int) string {
	if b, ok := a.text[index]; ok {
		return b.String()
	}
	return ""
}

// AppendToolCall records a tool-call fragment in the given slot. Empty id and
// name leave previously recorded values intact; the argument fragment is
// appended to the slot's partial JSON buffer.
func (a *Accumulator) AppendToolCall(index int, id, name, argsFragment string) *ToolCallState {
	tc, ok := a.tools[index]
	if !ok {
		tc = &ToolCallState{}
		a.tools[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	if argsFragment != "" {
		tc.Args.WriteString(argsFragment)
	}
	return tc
}

// SlotFor returns the content slot for a fragment identified only by key
// (for example a tool-call id), assigning base plus the next first-seen
// ordinal on first sight. Backends that provide a native numeric index
// should use it directly instead.
func (a *Accumulator) SlotFor(key string, base int) int {
	if idx, ok := a.slotByKey[key]; ok {
		return idx
	}
	idx := base + a.nextSlot
	a.nextSlot++
	a.slotByKey[key] = idx
	return idx
}

// ImageCount returns the number of image slots seen so far.
func (a *Accumulator) ImageCount() int {
	return len(a.images)
}

// ToolCount returns the number of tool-call slots seen so far.
func (a *Accumulator) ToolCount() int {
	return len(a.tools)
}

// ImageSlotFor returns the content slot an image fragment should accumulate
// under. A fragment whose mime type matches the currently open image (or
// that carries no mime type at all, as continuation chunks often do)
// continues that image's slot; otherwise a new slot is opened past the tool
// and image slots seen so far. Backends that stream an image across chunks
// call CloseImage when a different content kind intervenes.
func (a *Accumulator) ImageSlotFor(mimeType string, base int) int {
	if a.openImage >= 0 && (mimeType == "" || mimeType == a.openImageMime) {
		return a.openImage
	}
	slot := base + len(a.tools) + len(a.images)
	a.openImage = slot
	a.openImageMime = mimeType
	return slot
}

// CloseImage marks the open image finished, so the next image fragment
// starts a fresh slot.
func (a *Accumulator) CloseImage() {
	a.openImage = -1
	a.openImageMime = ""
}

// AppendImage appends image bytes to the given slot.
func (a *Accumulator) AppendImage(index int, mimeType string, data []byte) {
	img, ok := a.images[index]
	if !ok {
		img = &imageState{}
		a.images[index] = img
	}
	if mimeType != "" {
		img.mimeType = mimeType
	}
	img.buf.Write(data)
}

// SetObject records the latest complete parse of a slot's structured
// output. Each call replaces the previous parse, so the finalized object
// block always carries the last document that validated.
func (a *Accumulator) SetObject(index int, doc json.RawMessage) {
	a.objects[index] = doc
}

// SetInputTokens records the prompt token count as last reported.
func (a *Accumulator) SetInputTokens(n int) {
	if n > 0 {
		a.inputTokens = n
	}
}

// SetOutputTokens records the completion token count as last reported.
func (a *Accumulator) SetOutputTokens(n int) {
	if n > 0 {
		a.outputTokens = n
	}
}

// Usage returns the usage counters as last reported.
func (a *Accumulator) Usage() (inputTokens, outputTokens int) {
	return a.inputTokens, a.outputTokens
}

// SetStop records the terminal status. Returns true on the first call so the
// caller can emit exactly one message_stop.
func (a *Accumulator) SetStop(raw string, mapped StopReason) bool {
	if a.stopped {
		return false
	}
	a.stopped = true
	a.rawStop = raw
	a.stop = mapped
	return true
}

// Stopped reports whether a terminal chunk was observed.
func (a *Accumulator) Stopped() bool { return a.stopped }

// StopReason returns the mapped terminal status, or StopError when the stream
// never reached a terminal chunk (abrupt disconnect).
func (a *Accumulator) StopReason() StopReason {
	if !a.stopped {
		return StopError
	}
	return a.stop
}

// Finalize reconstructs the aggregate response purely from accumulated state.
// It is idempotent, reads only, and is safe to call after any prefix of the
// chunk sequence, including the empty prefix. Multi-index content is ordered
// by ascending index. Tool-call argument fragments that never became valid
// JSON are replaced by an empty object rather than failing the response.
func (a *Accumulator) Finalize() *Response {
	indices := make(map[int]bool)
	for i := range a.text {
		indices[i] = true
	}
	for i := range a.reasoning {
		indices[i] = true
	}
	for i := range a.tools {
		indices[i] = true
	}
	for i := range a.images {
		indices[i] = true
	}
	for i := range a.objects {
		indices[i] = true
	}

	order := make([]int, 0, len(indices))
	for i := range indices {
		order = append(order, i)
	}
	sort.Ints(order)

	blocks := make([]*ContentBlock, 0, len(order))
	for _, i := range order {
		if b, ok := a.reasoning[i]; ok {
			text := b.String()
			blocks = append(blocks, &ContentBlock{
				BlockType: BlockTypeReasoning,
				Index:     i,
				Text:      &text,
			})
		}
		if b, ok := a.text[i]; ok {
			text := b.String()
			blocks = append(blocks, &ContentBlock{
				BlockType: BlockTypeText,
				Index:     i,
				Text:      &text,
			})
		}
		if tc, ok := a.tools[i]; ok {
			blocks = append(blocks, finalizeToolCall(i, tc))
		}
		if img, ok := a.images[i]; ok {
			mime := img.mimeType
			blocks = append(blocks, &ContentBlock{
				BlockType: BlockTypeImage,
				Index:     i,
				ImageData: img.buf.Bytes(),
				MimeType:  &mime,
			})
		}
		if obj, ok := a.objects[i]; ok {
			blocks = append(blocks, &ContentBlock{
				BlockType: BlockTypeObject,
				Index:     i,
				Object:    obj,
			})
		}
	}

	id := a.id
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	return &Response{
		ID:            id,
		Model:         a.model,
		Blocks:        blocks,
		InputTokens:   a.inputTokens,
		OutputTokens:  a.outputTokens,
		StopReason:    a.StopReason(),
		RawStopReason: a.rawStop,
	}
}

// finalizeToolCall performs the last-chance parse of partially streamed
// argument JSON, falling back to an empty object.
func finalizeToolCall(index int, tc *ToolCallState) *ContentBlock {
	raw := strings.TrimSpace(tc.Args.String())
	args := json.RawMessage(`{}`)
	if raw != "" && gjson.Valid(raw) {
		args = json.RawMessage(raw)
	}

	block := &ContentBlock{
		BlockType: BlockTypeToolCall,
		Index:     index,
		Arguments: args,
	}
	if tc.ID != "" {
		id := tc.ID
		block.ToolCallID = &id
	}
	if tc.Name != "" {
		name := tc.Name
		block.ToolCallName = &name
	}
	if raw != "" && !gjson.Valid(raw) {
		block.RawArguments = &raw
	}
	return block
}
