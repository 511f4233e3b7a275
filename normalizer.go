package llmstream

import (
	"fmt"
	"sync"
)

// BackendID represents a unique backend identifier.
// Using a typed constant prevents typos and provides compile-time safety.
type BackendID string

// Known backend identifiers
const (
	// BackendOpenAI is the OpenAI chat-completions chunk format
	BackendOpenAI BackendID = "openai"

	// BackendAnthropic is Anthropic's Messages streaming format
	BackendAnthropic BackendID = "anthropic"

	// BackendOpenRouter is OpenRouter's openai-variant format with reasoning
	BackendOpenRouter BackendID = "openrouter"

	// BackendGemini is Google's streamGenerateContent format
	BackendGemini BackendID = "gemini"

	// BackendLorem is the mock lorem backend for testing
	BackendLorem BackendID = "lorem"
)

// String returns the string representation of the backend ID
func (b BackendID) String() string {
	return string(b)
}

// IsValid returns true if the backend ID is a known backend
func (b BackendID) IsValid() bool {
	switch b {
	case BackendOpenAI, BackendAnthropic, BackendOpenRouter, BackendGemini, BackendLorem:
		return true
	default:
		return false
	}
}

// Normalizer folds one backend's incremental chunk shapes into the canonical
// event sequence and the final aggregate response. One Normalizer instance is
// stateless; all per-stream state lives in the Accumulator passed to it.
//
// Contract (every backend adapter):
//  1. The first chunk carrying identifying information emits exactly one
//     message_start.
//  2. Fragments are appended to the accumulator before the corresponding
//     delta event is returned.
//  3. A terminal chunk emits exactly one message_stop and records the finish
//     reason.
//  4. Tool-call indices are backend-native when provided, else assigned in
//     first-seen order.
//  5. Finalize is idempotent and safe whether or not message_stop was ever
//     observed; it reconstructs the response from accumulated state alone.
type Normalizer interface {
	// Transform consumes one decoded chunk, mutates the accumulator, and
	// returns the canonical events the chunk produced (possibly none).
	// Malformed chunks are tolerated and produce no events.
	Transform(chunk []byte, acc *Accumulator) ([]StreamEvent, error)

	// Finalize builds the aggregate response from the accumulator. Used both
	// at natural stream end and after failure or reconnect.
	Finalize(acc *Accumulator) (*Response, error)

	// Backend returns the backend this normalizer adapts.
	Backend() BackendID
}

var (
	registryMu sync.RWMutex
	registry   = make(map[BackendID]Normalizer)
)

// RegisterNormalizer makes a normalizer available for lookup by backend ID.
// Backend packages call this from their constructors or init; registering the
// same backend twice replaces the earlier entry.
func RegisterNormalizer(n Normalizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[n.Backend()] = n
}

// NormalizerFor returns the registered normalizer for a backend.
func NormalizerFor(backend BackendID) (Normalizer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	n, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("llmstream: no normalizer registered for backend %q: %w", backend, ErrUnknownBackend)
	}
	return n, nil
}

// RegisteredBackends returns the backends with a registered normalizer.
func RegisteredBackends() []BackendID {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]BackendID, 0, len(registry))
	for b := range registry {
		out = append(out, b)
	}
	return out
}
