// Package events carries job lifecycle notifications from the
// scheduler to in-process and remote observers.
package events

import (
	"sync"
	"time"
)

// Type classifies a lifecycle notification.
type Type string

const (
	TypeJobStarted   Type = "job_started"
	TypeJobProgress  Type = "job_progress"
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"
	TypeJobCancelled Type = "job_cancelled"
	TypeJobSkipped   Type = "job_skipped"
	TypeQueueUpdated Type = "queue_updated"
	TypeAllCompleted Type = "all_completed"
	TypeWorkerError  Type = "worker_error"
)

// Event is one sequenced notification. Only the fields relevant to its
// type are populated.
type Event struct {
	Seq        int64          `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       Type           `json:"type"`
	JobID      string         `json:"job_id,omitempty"`
	Progress   float64        `json:"progress,omitempty"`
	Message    string         `json:"message,omitempty"`
	OutputPath string         `json:"output_path,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Stats      map[string]int `json:"stats,omitempty"`
}

// Bus fans events out to subscribers and keeps a bounded history for
// incremental polling. Publishing never blocks: a subscriber whose
// buffer is full misses events instead of stalling the scheduler.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	history   []Event
	nextSub   int
	subs      map[int]chan Event
}

// NewBus creates a bus retaining up to maxEvents for Since queries.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 512
	}
	return &Bus{
		maxEvents: maxEvents,
		history:   make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish assigns the next sequence number and a timestamp, records
// the event, and offers it to every subscriber.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.history = append(b.history, event)
	if len(b.history) > b.maxEvents {
		trim := len(b.history) - b.maxEvents
		b.history = append([]Event(nil), b.history[trim:]...)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Subscribe registers a buffered event channel. The returned cancel
// function unregisters and closes it; calling cancel twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Since returns recorded events with sequence strictly greater than
// seq, oldest first.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.history) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.history))
	for _, event := range b.history {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event, 0 when none
// have been published.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
