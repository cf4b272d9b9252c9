package progress

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types, one per workflow stage plus the terminal pair.
const (
	TypePlanning    = "planning"
	TypeExecuting   = "executing"
	TypeValidating  = "validating"
	TypeAnalyzing   = "analyzing"
	TypeEvaluating  = "evaluating"
	TypeRefining    = "refining"
	TypeCritiquing  = "critiquing"
	TypeSummarizing = "summarizing"
	TypeComplete    = "complete"
	TypeError       = "error"
)

// Event statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// Event is one step-progress notification for a run.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives progress events. Implementations must not block; the
// orchestrator publishes from its hot path.
type Sink interface {
	Publish(evt Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// Manager provides in-memory pub/sub for run progress events with a
// per-run replay ring. Managers are plain values injected where needed;
// there is no process-global instance.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose replay rings hold capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a run; caller must drain and call
// Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish sends an event to all subscribers of its run, non-blocking. Slow
// subscribers miss events rather than stalling the workflow; ReplaySince
// covers the gap. The fan-out stays under the lock: sends never block, and
// Unsubscribe closes channels under the same lock, so a publisher can never
// send on a closed channel.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[evt.RunID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.RunID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[evt.RunID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns events with Seq > since, best-effort within ring
// capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[runID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
