package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// recorder is a test subscriber that records every delivery.
type recorder struct {
	mu        sync.Mutex
	events    []llmstream.StreamEvent
	cursors   []int
	completes int
	final     []llmstream.StreamEvent
}

func (r *recorder) onEvent(ev llmstream.StreamEvent, cursor int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.cursors = append(r.cursors, cursor)
}

func (r *recorder) onComplete(events []llmstream.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
	r.final = events
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Delta.Text != nil {
			out = append(out, *ev.Delta.Text)
		}
	}
	return out
}

func textEvents(texts ...string) []llmstream.StreamEvent {
	out := make([]llmstream.StreamEvent, 0, len(texts))
	for _, s := range texts {
		out = append(out, llmstream.TextDeltaEvent(0, s))
	}
	return out
}

func TestMemory_AppendAndGetEvents(t *testing.T) {
	m := NewMemory()

	if m.Exists("sess") {
		t.Fatal("Exists() = true before any append")
	}

	for _, ev := range textEvents("a", "b", "c") {
		if err := m.Append("sess", ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if !m.Exists("sess") {
		t.Error("Exists() = false after append")
	}

	events, ok := m.GetEvents("sess")
	if !ok {
		t.Fatal("GetEvents() ok = false")
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
}

func TestMemory_SubscribeReplaysBuffered(t *testing.T) {
	m := NewMemory()

	for _, ev := range textEvents("a", "b") {
		if err := m.Append("sess", ev); err != nil {
			t.Fatal(err)
		}
	}

	// Late joiner: replay of a,b then live c.
	rec := &recorder{}
	unsubscribe, err := m.Subscribe("sess", rec.onEvent, rec.onComplete)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "c")); err != nil {
		t.Fatal(err)
	}

	if got := rec.texts(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("delivered = %v, want [a b c]", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, c := range rec.cursors {
		if c != i {
			t.Errorf("cursor %d = %d, want %d", i, c, i)
		}
	}
}

func TestMemory_TwoSubscribersDifferentWindows(t *testing.T) {
	m := NewMemory()

	early := &recorder{}
	if _, err := m.Subscribe("sess", early.onEvent, early.onComplete); err != nil {
		t.Fatal(err)
	}

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "a")); err != nil {
		t.Fatal(err)
	}
	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "b")); err != nil {
		t.Fatal(err)
	}

	late := &recorder{}
	if _, err := m.Subscribe("sess", late.onEvent, late.onComplete); err != nil {
		t.Fatal(err)
	}

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "c")); err != nil {
		t.Fatal(err)
	}

	// Both observers see the identical full sequence regardless of join time.
	if got := early.texts(); fmt.Sprint(got) != "[a b c]" {
		t.Errorf("early = %v, want [a b c]", got)
	}
	if got := late.texts(); fmt.Sprint(got) != "[a b c]" {
		t.Errorf("late = %v, want [a b c]", got)
	}
}

func TestMemory_SubscriberBeforeProducer(t *testing.T) {
	m := NewMemory()

	rec := &recorder{}
	if _, err := m.Subscribe("sess", rec.onEvent, rec.onComplete); err != nil {
		t.Fatalf("Subscribe() before producer error = %v", err)
	}
	if !m.Exists("sess") {
		t.Error("Exists() = false after subscriber-side creation")
	}

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "a")); err != nil {
		t.Fatal(err)
	}
	if got := rec.texts(); len(got) != 1 || got[0] != "a" {
		t.Errorf("delivered = %v, want [a]", got)
	}
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory()

	rec := &recorder{}
	unsubscribe, err := m.Subscribe("sess", rec.onEvent, rec.onComplete)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "a")); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "b")); err != nil {
		t.Fatal(err)
	}

	if got := rec.texts(); len(got) != 1 || got[0] != "a" {
		t.Errorf("delivered = %v, want [a]", got)
	}

	m.Remove("sess")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.completes != 0 {
		t.Errorf("completes = %d, want 0 after unsubscribe", rec.completes)
	}
}

func TestMemory_RemoveFiresCompleteOnce(t *testing.T) {
	m := NewMemory()

	rec := &recorder{}
	if _, err := m.Subscribe("sess", rec.onEvent, rec.onComplete); err != nil {
		t.Fatal(err)
	}
	for _, ev := range textEvents("a", "b") {
		if err := m.Append("sess", ev); err != nil {
			t.Fatal(err)
		}
	}

	m.Remove("sess")
	m.Remove("sess") // repeat removal is a no-op

	rec.mu.Lock()
	completes, finalLen := rec.completes, len(rec.final)
	rec.mu.Unlock()
	if completes != 1 {
		t.Errorf("completes = %d, want 1", completes)
	}
	if finalLen != 2 {
		t.Errorf("final snapshot = %d events, want 2", finalLen)
	}

	if m.Exists("sess") {
		t.Error("Exists() = true after Remove")
	}
	if _, ok := m.GetEvents("sess"); ok {
		t.Error("GetEvents() ok = true after Remove")
	}
}

func TestMemory_RemovedIDIsReusable(t *testing.T) {
	m := NewMemory()

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "old")); err != nil {
		t.Fatal(err)
	}
	m.Remove("sess")

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "new")); err != nil {
		t.Fatalf("Append() on reused id error = %v", err)
	}
	events, ok := m.GetEvents("sess")
	if !ok || len(events) != 1 || *events[0].Delta.Text != "new" {
		t.Errorf("reused session = %v, want single [new] event", events)
	}
}

func TestMemory_PublishNotStored(t *testing.T) {
	m := NewMemory()

	// Publish on an absent session never creates one.
	m.Publish("sess", llmstream.TextDeltaEvent(0, "ghost"))
	if m.Exists("sess") {
		t.Fatal("Publish() created a session")
	}

	rec := &recorder{}
	if _, err := m.Subscribe("sess", rec.onEvent, rec.onComplete); err != nil {
		t.Fatal(err)
	}
	m.Publish("sess", llmstream.TextDeltaEvent(0, "live"))

	if got := rec.texts(); len(got) != 1 || got[0] != "live" {
		t.Fatalf("delivered = %v, want [live]", got)
	}
	rec.mu.Lock()
	cursor := rec.cursors[0]
	rec.mu.Unlock()
	if cursor != -1 {
		t.Errorf("publish cursor = %d, want -1", cursor)
	}

	if events, _ := m.GetEvents("sess"); len(events) != 0 {
		t.Errorf("stored events = %d, want 0", len(events))
	}
}

func TestMemory_CapacityCeiling(t *testing.T) {
	m := NewMemory(WithMaxSessions(2), WithOrphanTTL(0))

	if err := m.Append("a", llmstream.TextDeltaEvent(0, "x")); err != nil {
		t.Fatal(err)
	}
	if err := m.Append("b", llmstream.TextDeltaEvent(0, "x")); err != nil {
		t.Fatal(err)
	}

	err := m.Append("c", llmstream.TextDeltaEvent(0, "x"))
	if !llmstream.IsCapacityExceeded(err) {
		t.Fatalf("Append() past ceiling = %v, want ErrSessionCapacity", err)
	}
	if _, err := m.Subscribe("c", nil, nil); !llmstream.IsCapacityExceeded(err) {
		t.Fatalf("Subscribe() past ceiling = %v, want ErrSessionCapacity", err)
	}

	// Existing sessions stay reachable; nothing was evicted.
	if !m.Exists("a") || !m.Exists("b") {
		t.Error("existing sessions were evicted at capacity")
	}
	if err := m.Append("a", llmstream.TextDeltaEvent(0, "y")); err != nil {
		t.Errorf("Append() to existing session at capacity error = %v", err)
	}

	// Removal frees a slot.
	m.Remove("a")
	if err := m.Append("c", llmstream.TextDeltaEvent(0, "x")); err != nil {
		t.Errorf("Append() after Remove error = %v", err)
	}
}

func TestMemory_PanickingSubscriberIsolated(t *testing.T) {
	m := NewMemory()

	bad := func(llmstream.StreamEvent, int) { panic("misbehaving observer") }
	if _, err := m.Subscribe("sess", bad, func([]llmstream.StreamEvent) { panic("again") }); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	if _, err := m.Subscribe("sess", rec.onEvent, rec.onComplete); err != nil {
		t.Fatal(err)
	}

	if err := m.Append("sess", llmstream.TextDeltaEvent(0, "a")); err != nil {
		t.Fatalf("Append() with panicking subscriber error = %v", err)
	}
	m.Remove("sess")

	if got := rec.texts(); len(got) != 1 || got[0] != "a" {
		t.Errorf("healthy subscriber delivered = %v, want [a]", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.completes != 1 {
		t.Errorf("healthy subscriber completes = %d, want 1", rec.completes)
	}
}

func TestMemory_OrphanSweep(t *testing.T) {
	current := time.Unix(1000, 0)
	clock := func() time.Time { return current }
	m := NewMemory(WithOrphanTTL(time.Minute), withClock(clock))

	orphan := &recorder{}
	if _, err := m.Subscribe("orphan", orphan.onEvent, orphan.onComplete); err != nil {
		t.Fatal(err)
	}
	if err := m.Append("active", llmstream.TextDeltaEvent(0, "a")); err != nil {
		t.Fatal(err)
	}

	// Past the TTL, any broker touch sweeps the producerless session.
	current = current.Add(2 * time.Minute)
	if err := m.Append("other", llmstream.TextDeltaEvent(0, "b")); err != nil {
		t.Fatal(err)
	}

	if m.Exists("orphan") {
		t.Error("orphan session survived the sweep")
	}
	orphan.mu.Lock()
	completes := orphan.completes
	orphan.mu.Unlock()
	if completes != 1 {
		t.Errorf("orphan completes = %d, want 1", completes)
	}

	// A session with at least one append is never swept.
	if !m.Exists("active") {
		t.Error("appended session was swept")
	}
}

func TestMemory_SweepDoesNotBlockInFlightDelivery(t *testing.T) {
	current := time.Unix(1000, 0)
	m := NewMemory(WithOrphanTTL(time.Minute), withClock(func() time.Time { return current }))

	// A producerless session that will be sweepable once the clock advances.
	if _, err := m.Subscribe("stale", nil, nil); err != nil {
		t.Fatal(err)
	}

	// This subscriber uses the broker for another stream id from inside a
	// delivery, which the callback contract allows. gate signals the delivery
	// is in flight (holding session a's lock); release lets it proceed to the
	// broker call.
	gate := make(chan struct{})
	release := make(chan struct{})
	if _, err := m.Subscribe("a", func(ev llmstream.StreamEvent, cursor int) {
		close(gate)
		<-release
		m.Exists("other")
	}, nil); err != nil {
		t.Fatal(err)
	}

	current = current.Add(2 * time.Minute)

	appendDone := make(chan struct{})
	go func() {
		defer close(appendDone)
		if err := m.Append("a", llmstream.TextDeltaEvent(0, "x")); err != nil {
			t.Errorf("Append() error = %v", err)
		}
	}()
	<-gate

	// Session creation runs the orphan sweep while the delivery above is
	// still holding session a's lock.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if _, err := m.Subscribe("b", nil, nil); err != nil {
			t.Errorf("Subscribe() error = %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	for _, ch := range []chan struct{}{appendDone, sweepDone} {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatal("broker wedged between orphan sweep and in-flight delivery")
		}
	}
	if m.Exists("stale") {
		t.Error("stale session survived the sweep")
	}
	if !m.Exists("a") {
		t.Error("appended session was swept")
	}
}

func TestMemory_ConcurrentAppendSubscribe(t *testing.T) {
	m := NewMemory()
	const producers = 4
	const perProducer = 50

	rec := &recorder{}
	if _, err := m.Subscribe("sess", rec.onEvent, rec.onComplete); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := m.Append("sess", llmstream.TextDeltaEvent(0, "x")); err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, ok := m.GetEvents("sess")
	if !ok || len(events) != producers*perProducer {
		t.Errorf("stored = %d, want %d", len(events), producers*perProducer)
	}
	if got := len(rec.texts()); got != producers*perProducer {
		t.Errorf("delivered = %d, want %d", got, producers*perProducer)
	}
}
