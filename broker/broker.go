// Package broker tracks in-flight generation streams so that any number of
// consumers can attach at any time, receive a replay of everything buffered
// so far, and then follow the stream live. One session exists per in-flight
// generation, keyed by a caller-supplied stream id (callers choose ids so
// they can key reconnects); nothing survives past Remove.
package broker

import (
	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// OnEvent is invoked synchronously for every event delivered to a
// subscriber, with the event's position (cursor) in the session record.
// Publish delivers events that are not stored; those carry cursor -1.
//
// Callbacks run under the session's ordering lock and must not call back
// into the broker for the same stream id.
type OnEvent func(ev llmstream.StreamEvent, cursor int)

// OnComplete is invoked exactly once per subscriber when the producer
// removes the session, with the final snapshot of the session's events.
// Receiving it distinguishes "stream ended" from "silently stalled", and the
// snapshot is the last chance to persist the events durably (see Archive).
type OnComplete func(events []llmstream.StreamEvent)

// Broker is the resumable pub-sub surface consumed by producers and
// late-joining observers.
//
// Session lifecycle: absent -> active -> removed. Both Append and Subscribe
// create the session lazily, so a subscriber racing ahead of the first
// append loses no events. Remove is invoked once by the producer when the
// generation is fully done (success, failure, or abandonment); afterwards
// the session behaves as if it never existed.
type Broker interface {
	// Exists reports whether a session is currently tracked.
	Exists(streamID string) bool

	// Append stores an event in the session record, creating the session if
	// absent, and synchronously notifies every current subscriber. Fails
	// with ErrSessionCapacity when creating past the session ceiling.
	Append(streamID string, ev llmstream.StreamEvent) error

	// GetEvents returns a snapshot of the session's buffered events.
	GetEvents(streamID string) ([]llmstream.StreamEvent, bool)

	// Subscribe attaches a consumer. All currently buffered events are
	// replayed, in original order, before any live event can reach the new
	// subscriber. The returned handle detaches this subscriber without
	// affecting others or the session record.
	Subscribe(streamID string, onEvent OnEvent, onComplete OnComplete) (func(), error)

	// Publish broadcasts an event to current subscribers without storing it
	// (no replay, cursor -1). A no-op for absent sessions.
	Publish(streamID string, ev llmstream.StreamEvent)

	// Remove completes the session: every live subscriber's OnComplete fires
	// exactly once with the final event snapshot, then the record is
	// deleted. A no-op for absent sessions.
	Remove(streamID string)
}
