// Package events implements the Event Bus: synchronous fan-out of run
// lifecycle, model-streaming, tool, and authorization events to observer
// callbacks.
//
// Grounded on internal/agent/event_emitter.go (per-event-type emit methods,
// atomic sequence counter) and internal/agent/event_sink.go (the
// EventSink/MultiSink/CallbackSink fan-out shape) — collapsed to a single
// Kind-tagged Event struct matching this runtime's event-kind union rather
// than the teacher's models.AgentEvent/models.AgentEventType pair, since the
// dispatcher and turn loop only need one flat payload type, not a sink
// hierarchy with backpressure lanes (there is no streaming transport here
// for BackpressureSink's drop-under-load behavior to protect).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcore/agentcore/pkg/agentcore"
)

// Kind discriminates an Event's payload.
type Kind string

const (
	KindRunStarted         Kind = "run_started"
	KindRunCompleted       Kind = "run_completed"
	KindRunFailed          Kind = "run_failed"
	KindModelCallStarted   Kind = "model_call_started"
	KindModelCallStreaming Kind = "model_call_streaming"
	KindModelCallCompleted Kind = "model_call_completed"
	KindToolRequested      Kind = "tool_requested"
	KindToolCompleted      Kind = "tool_completed"
	KindToolFailed         Kind = "tool_failed"
	KindPermissionRequired Kind = "permission_required"
)

// Event is the single payload type carried through the bus. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind
	Seq  uint64
	At   time.Time

	// RunCompleted / ModelCallCompleted
	Usage    *agentcore.TokenUsage
	Duration time.Duration
	Model    string

	// RunFailed
	Err error

	// ModelCallStreaming
	Delta             string
	AccumulatedLength int

	// ToolRequested / ToolCompleted / ToolFailed
	ToolCallID string
	ToolName   string
	ToolInput  []byte
	ToolOutput []agentcore.ContentBlock

	// PermissionRequired
	RequestID string
	Deadline  time.Time
}

// Observer receives events from the bus. Implementations must be safe for
// concurrent calls and must not block for long — the bus delivers
// synchronously on the publishing goroutine.
type Observer func(Event)

// Bus fans out events to its registered observers synchronously and
// best-effort: an observer that panics does not take down the publisher or
// any sibling observer.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
	seq       uint64
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers an observer, returning an unsubscribe function.
func (b *Bus) Subscribe(obs Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
	idx := len(b.observers) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.observers) {
			b.observers[idx] = nil
		}
	}
}

// Publish stamps e with the next sequence number and current time, then
// delivers it to every registered observer in registration order. A panic in
// one observer is recovered and swallowed so it cannot block delivery to the
// remaining observers.
func (b *Bus) Publish(e Event) {
	e.Seq = atomic.AddUint64(&b.seq, 1)
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		if obs == nil {
			continue
		}
		deliver(obs, e)
	}
}

func deliver(obs Observer, e Event) {
	defer func() {
		_ = recover()
	}()
	obs(e)
}

// RunStarted publishes a run_started event.
func (b *Bus) RunStarted() { b.Publish(Event{Kind: KindRunStarted}) }

// RunCompleted publishes a run_completed event.
func (b *Bus) RunCompleted(usage *agentcore.TokenUsage, duration time.Duration) {
	b.Publish(Event{Kind: KindRunCompleted, Usage: usage, Duration: duration})
}

// RunFailed publishes a run_failed event.
func (b *Bus) RunFailed(err error) {
	b.Publish(Event{Kind: KindRunFailed, Err: err})
}

// ModelCallStarted publishes a model_call_started event.
func (b *Bus) ModelCallStarted() { b.Publish(Event{Kind: KindModelCallStarted}) }

// ModelCallStreaming publishes a model_call_streaming event.
func (b *Bus) ModelCallStreaming(delta string, accumulatedLength int) {
	b.Publish(Event{Kind: KindModelCallStreaming, Delta: delta, AccumulatedLength: accumulatedLength})
}

// ModelCallCompleted publishes a model_call_completed event.
func (b *Bus) ModelCallCompleted(model string, usage *agentcore.TokenUsage) {
	b.Publish(Event{Kind: KindModelCallCompleted, Model: model, Usage: usage})
}

// ToolRequested publishes a tool_requested event.
func (b *Bus) ToolRequested(id, name string, input []byte) {
	b.Publish(Event{Kind: KindToolRequested, ToolCallID: id, ToolName: name, ToolInput: input})
}

// ToolCompleted publishes a tool_completed event.
func (b *Bus) ToolCompleted(id, name string, output []agentcore.ContentBlock, duration time.Duration) {
	b.Publish(Event{Kind: KindToolCompleted, ToolCallID: id, ToolName: name, ToolOutput: output, Duration: duration})
}

// ToolFailed publishes a tool_failed event.
func (b *Bus) ToolFailed(id, name string, err error, duration time.Duration) {
	b.Publish(Event{Kind: KindToolFailed, ToolCallID: id, ToolName: name, Err: err, Duration: duration})
}

// PermissionRequired publishes a permission_required event.
func (b *Bus) PermissionRequired(requestID, toolName string, input []byte, deadline time.Time) {
	b.Publish(Event{
		Kind: KindPermissionRequired, RequestID: requestID, ToolName: toolName,
		ToolInput: input, Deadline: deadline,
	})
}
