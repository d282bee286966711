// Package events provides a publish/subscribe bus for operational
// events: voice lifecycle transitions, dialogue turns, tool execution
// and TTS fallbacks. Subscribers include the WebSocket event stream and
// the MQTT state publisher. A nil *Bus is valid; Publish and Emit on it
// are no-ops, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceVoice identifies events from the voice lifecycle and loop.
	SourceVoice = "voice"
	// SourceChat identifies events from the dialogue session and mode router.
	SourceChat = "chat"
	// SourceTools identifies events from the tool dispatcher.
	SourceTools = "tools"
	// SourceTTS identifies events from speech output.
	SourceTTS = "tts"
	// SourceDevice identifies events from the companion device bridge.
	SourceDevice = "device"
	// SourceHealth identifies events from backend health watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals an accepted voice lifecycle transition.
	// Data: from, to.
	KindStateChanged = "state_changed"
	// KindTransitionRejected signals an illegal voice lifecycle transition.
	// Data: from, to.
	KindTransitionRejected = "transition_rejected"
	// KindWakeWord signals a wake-word detection.
	// Data: state, accepted.
	KindWakeWord = "wake_word"
	// KindTranscript signals a final speech transcript.
	// Data: len.
	KindTranscript = "transcript"

	// KindTurnStart signals the beginning of a dialogue turn.
	// Data: turn_id, mode, input_len.
	KindTurnStart = "turn_start"
	// KindCommandMatched signals a turn resolved by a local command.
	// Data: turn_id, mode, command.
	KindCommandMatched = "command_matched"
	// KindLLMCall signals the start of an LLM round trip.
	// Data: turn_id, mode, tools.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an LLM round trip.
	// Data: turn_id, ok, tool_calls, input_tokens, output_tokens,
	// duration_ms.
	KindLLMResponse = "llm_response"
	// KindModeChanged signals an active mode change.
	// Data: from, to.
	KindModeChanged = "mode_changed"
	// KindTurnComplete signals the end of a dialogue turn.
	// Data: turn_id, path, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindToolCall signals the start of a tool execution.
	// Data: tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindFallback signals the cloud TTS provider failed and the local
	// provider took over.
	// Data: error.
	KindFallback = "fallback"

	// KindConnected and KindDisconnected track the device bridge.
	// Data: remote.
	KindConnected    = "connected"
	KindDisconnected = "disconnected"

	// KindServiceUp and KindServiceDown track watched backends.
	// Data: service, error (down only).
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Emit stamps and publishes an event in one call.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full, the event is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable buffer
// for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
