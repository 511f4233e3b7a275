package broker

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Defaults for the in-memory adapter.
const (
	DefaultMaxSessions = 1024
	DefaultOrphanTTL   = 5 * time.Minute
)

// Memory is the default in-memory Broker adapter.
//
// Concurrency model: a registry mutex guards the session map; each session
// carries its own ordering lock. All mutating operations for one stream id
// funnel through that per-session lock (single-writer-per-key), and replay
// holds it for the whole drain-then-attach, so live events can never
// interleave with a subscriber's replay. Independent sessions share nothing
// else and run fully concurrently.
//
// Lock order: a session lock is never acquired while the registry mutex is
// held. Subscriber callbacks run under a session lock and are allowed to use
// the broker for other stream ids, which takes the registry mutex; taking
// the locks in the opposite order anywhere would deadlock against such a
// callback.
type Memory struct {
	mu          sync.Mutex
	sessions    map[string]*session
	maxSessions int
	orphanTTL   time.Duration
	now         func() time.Time
}

type session struct {
	streamID  string
	createdAt time.Time

	// appended is atomic so the orphan sweep can check staleness without
	// taking the session lock (see the lock-order note on Memory).
	appended atomic.Bool

	mu      sync.Mutex
	events  []llmstream.StreamEvent
	subs    map[int]*subscriber
	nextSub int
	removed bool
}

type subscriber struct {
	onEvent    OnEvent
	onComplete OnComplete
}

// MemoryOption configures the in-memory adapter.
type MemoryOption func(*Memory)

// WithMaxSessions sets the concurrent-session ceiling.
func WithMaxSessions(n int) MemoryOption {
	return func(m *Memory) { m.maxSessions = n }
}

// WithOrphanTTL bounds how long a subscriber-created session may wait for a
// producer that never appends. Zero disables the sweep.
func WithOrphanTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.orphanTTL = ttl }
}

// withClock substitutes the time source in tests.
func withClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates the in-memory broker adapter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		sessions:    make(map[string]*session),
		maxSessions: DefaultMaxSessions,
		orphanTTL:   DefaultOrphanTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMemoryFromConfig creates the adapter from a configuration block.
func NewMemoryFromConfig(cfg llmstream.BrokerConfig) *Memory {
	opts := []MemoryOption{WithOrphanTTL(cfg.OrphanTTL)}
	if cfg.MaxSessions > 0 {
		opts = append(opts, WithMaxSessions(cfg.MaxSessions))
	}
	return NewMemory(opts...)
}

// Interface compliance check.
var _ Broker = (*Memory)(nil)

// Exists reports whether a session is currently tracked.
func (m *Memory) Exists(streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[streamID]
	return ok
}

// Append stores an event and synchronously notifies current subscribers with
// the event's cursor. The session is created lazily; creation past the
// ceiling fails with ErrSessionCapacity.
func (m *Memory) Append(streamID string, ev llmstream.StreamEvent) error {
	for {
		s, err := m.getOrCreate(streamID)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if s.removed {
			// Lost a race with Remove; the id now refers to a fresh session.
			s.mu.Unlock()
			continue
		}
		s.appended.Store(true)
		cursor := len(s.events)
		s.events = append(s.events, ev)
		for _, sub := range s.subs {
			deliver(sub.onEvent, streamID, ev, cursor)
		}
		s.mu.Unlock()
		return nil
	}
}

// GetEvents returns a snapshot of the session's buffered events.
func (m *Memory) GetEvents(streamID string) ([]llmstream.StreamEvent, bool) {
	m.mu.Lock()
	s, ok := m.sessions[streamID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, false
	}
	snapshot := make([]llmstream.StreamEvent, len(s.events))
	copy(snapshot, s.events)
	return snapshot, true
}

// Subscribe attaches a consumer, replaying all buffered events before any
// live event can reach it. The session is created lazily so a subscriber can
// race ahead of the producer's first Append without losing events.
func (m *Memory) Subscribe(streamID string, onEvent OnEvent, onComplete OnComplete) (func(), error) {
	for {
		s, err := m.getOrCreate(streamID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}

		// Drain-then-attach: replay happens under the session lock, so no
		// concurrent Append can interleave with it.
		for i, ev := range s.events {
			deliver(onEvent, streamID, ev, i)
		}

		id := s.nextSub
		s.nextSub++
		s.subs[id] = &subscriber{onEvent: onEvent, onComplete: onComplete}
		s.mu.Unlock()

		return func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		}, nil
	}
}

// Publish broadcasts without storage-side bookkeeping: subscribers see the
// event with cursor -1 and replay never includes it. Absent sessions are a
// no-op; Publish never creates one.
func (m *Memory) Publish(streamID string, ev llmstream.StreamEvent) {
	m.mu.Lock()
	s, ok := m.sessions[streamID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return
	}
	for _, sub := range s.subs {
		deliver(sub.onEvent, streamID, ev, -1)
	}
}

// Remove completes and deletes the session. Every attached subscriber's
// OnComplete fires exactly once with the final event snapshot; afterwards
// Exists and GetEvents behave as if the session never existed.
func (m *Memory) Remove(streamID string) {
	m.mu.Lock()
	s, ok := m.sessions[streamID]
	if ok {
		delete(m.sessions, streamID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.removed = true
	events := s.events
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()

	// Completion callbacks run outside the locks so they may use the broker
	// freely (for example to persist the snapshot elsewhere).
	for _, sub := range subs {
		complete(sub.onComplete, streamID, events)
	}
}

// getOrCreate looks up a session, lazily creating it under the registry
// lock. The orphan sweep runs here so abandoned subscriber-created sessions
// are reclaimed before the capacity check.
func (m *Memory) getOrCreate(streamID string) (*session, error) {
	m.mu.Lock()

	var orphans []*session
	if m.orphanTTL > 0 {
		cutoff := m.now().Add(-m.orphanTTL)
		for id, s := range m.sessions {
			if !s.appended.Load() && s.createdAt.Before(cutoff) {
				delete(m.sessions, id)
				orphans = append(orphans, s)
			}
		}
	}

	s, ok := m.sessions[streamID]
	var err error
	if !ok {
		if len(m.sessions) >= m.maxSessions {
			err = &llmstream.SessionError{
				StreamID: streamID,
				Reason:   "concurrent-session ceiling reached",
				Err:      llmstream.ErrSessionCapacity,
			}
		} else {
			s = &session{
				streamID:  streamID,
				createdAt: m.now(),
				subs:      make(map[int]*subscriber),
			}
			m.sessions[streamID] = s
		}
	}
	m.mu.Unlock()

	for _, o := range orphans {
		m.completeOrphan(o)
	}
	return s, err
}

// completeOrphan runs Remove semantics for a swept session so its
// subscribers are not left waiting forever.
func (m *Memory) completeOrphan(s *session) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	events := s.events
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()

	log.Printf("broker: swept orphaned session %s (no producer within TTL)", s.streamID)
	for _, sub := range subs {
		complete(sub.onComplete, s.streamID, events)
	}
}

// deliver invokes one subscriber's OnEvent, isolating its panics so one
// misbehaving observer cannot affect the others or the producer.
func deliver(onEvent OnEvent, streamID string, ev llmstream.StreamEvent, cursor int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broker: subscriber onEvent panic for session %s: %v", streamID, r)
		}
	}()
	if onEvent != nil {
		onEvent(ev, cursor)
	}
}

// complete invokes one subscriber's OnComplete with the same isolation.
func complete(onComplete OnComplete, streamID string, events []llmstream.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("broker: subscriber onComplete panic for session %s: %v", streamID, r)
		}
	}()
	if onComplete != nil {
		onComplete(events)
	}
}
