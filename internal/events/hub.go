// Package events is the per-job publish/subscribe registry that feeds the
// progress stream.
//
// Every job has at most one entry holding its indexed line buffer, the latest
// status and, once known, the terminal event. Publishing never blocks: a
// subscriber whose channel is full is considered failed, dropped and closed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
)

// Kind names the event variants carried on a subscription.
type Kind string

const (
	KindLine      Kind = "line"
	KindStatus    Kind = "status"
	KindTerminal  Kind = "terminal"
	KindKeepalive Kind = "keepalive"
)

// Event is one item delivered to subscribers.
type Event struct {
	Kind   Kind           `json:"kind"`
	JobID  string         `json:"job_id"`
	Index  int            `json:"index,omitempty"`
	Text   string         `json:"text,omitempty"`
	Status domain.Status  `json:"status,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Line is a progress line. A negative Index asks the hub to assign the next one.
type Line struct {
	Index int
	Text  string
}

// Sink receives status and terminal events for delivery outside the process.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Options configures a Hub.
type Options struct {
	// Buffer is the minimum channel capacity per subscriber.
	Buffer int
	// Retain keeps a terminal entry without subscribers around for late
	// subscribers. Zero removes it at once.
	Retain      time.Duration
	Sink        Sink
	SinkTimeout time.Duration
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Entries     int
	Subscribers int
	Published   uint64
	Dropped     uint64
}

type entry struct {
	lines    []Line
	next     int
	status   *Event
	terminal *Event
	subs     map[uint64]*Subscription
	expiry   *time.Timer
}

// Hub is the job -> entry registry. The zero value is not usable; use NewHub.
type Hub struct {
	mu        sync.Mutex
	entries   map[string]*entry
	nextSub   uint64
	published uint64
	dropped   uint64

	buffer      int
	retain      time.Duration
	sink        Sink
	sinkTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		entries:     make(map[string]*entry),
		buffer:      opts.Buffer,
		retain:      opts.Retain,
		sink:        opts.Sink,
		sinkTimeout: opts.SinkTimeout,
		logger:      *infra.OrDiscard(opts.Logger),
		now:         opts.Now,
	}
	if h.buffer <= 0 {
		h.buffer = 64
	}
	if h.sinkTimeout <= 0 {
		h.sinkTimeout = 5 * time.Second
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Subscription is one attached observer.
type Subscription struct {
	id     uint64
	jobID  string
	hub    *Hub
	ch     chan Event
	closed bool
}

// C yields events until the subscription is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// JobID returns the job the subscription observes.
func (s *Subscription) JobID() string { return s.jobID }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func (h *Hub) entryLocked(jobID string) *entry {
	e, ok := h.entries[jobID]
	if !ok {
		e = &entry{subs: make(map[uint64]*Subscription)}
		h.entries[jobID] = e
	}
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	return e
}

// Subscribe replays buffered lines and the current status. When the job is
// already terminal the terminal event follows and the subscription is closed.
func (h *Hub) Subscribe(jobID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entryLocked(jobID)
	size := h.buffer
	if need := len(e.lines) + 2; need > size {
		size = need
	}
	h.nextSub++
	sub := &Subscription{id: h.nextSub, jobID: jobID, hub: h, ch: make(chan Event, size)}
	for _, l := range e.lines {
		sub.ch <- Event{Kind: KindLine, JobID: jobID, Index: l.Index, Text: l.Text, At: h.now()}
	}
	if e.status != nil {
		sub.ch <- *e.status
	}
	if e.terminal != nil {
		sub.ch <- *e.terminal
		sub.closed = true
		close(sub.ch)
		h.collectLocked(jobID, e)
		return sub
	}
	e.subs[sub.id] = sub
	return sub
}

// PublishLine appends line to the replay buffer and fans it out. It returns
// the index assigned to the line.
func (h *Hub) PublishLine(jobID string, line Line) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entryLocked(jobID)
	if line.Index < 0 {
		line.Index = e.next
	}
	if line.Index >= e.next {
		e.next = line.Index + 1
	}
	e.lines = append(e.lines, line)
	h.fanoutLocked(jobID, e, Event{Kind: KindLine, JobID: jobID, Index: line.Index, Text: line.Text, At: h.now()})
	h.collectLocked(jobID, e)
	return line.Index
}

// PublishStatus fans out a non-terminal status change.
func (h *Hub) PublishStatus(jobID string, status domain.Status) {
	ev := Event{Kind: KindStatus, JobID: jobID, Status: status, At: h.now()}
	h.mu.Lock()
	e := h.entryLocked(jobID)
	if e.terminal == nil {
		e.status = &ev
		h.fanoutLocked(jobID, e, ev)
	}
	h.collectLocked(jobID, e)
	h.mu.Unlock()
	h.emit(ev)
}

// PublishTerminal fans out the final event, closes every subscription and
// keeps the event for late subscribers. Only the first terminal event of a job
// is kept; later calls are ignored.
func (h *Hub) PublishTerminal(jobID string, status domain.Status, data map[string]any) {
	ev := Event{Kind: KindTerminal, JobID: jobID, Status: status, Data: data, At: h.now()}
	h.mu.Lock()
	e := h.entryLocked(jobID)
	if e.terminal != nil {
		h.collectLocked(jobID, e)
		h.mu.Unlock()
		return
	}
	e.terminal = &ev
	h.fanoutLocked(jobID, e, ev)
	for id, sub := range e.subs {
		delete(e.subs, id)
		sub.closed = true
		close(sub.ch)
	}
	h.collectLocked(jobID, e)
	h.mu.Unlock()
	h.emit(ev)
}

// Terminal returns the retained terminal event of jobID, if any.
func (h *Hub) Terminal(jobID string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[jobID]; ok && e.terminal != nil {
		return *e.terminal, true
	}
	return Event{}, false
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Entries: len(h.entries), Published: h.published, Dropped: h.dropped}
	for _, e := range h.entries {
		st.Subscribers += len(e.subs)
	}
	return st
}

func (h *Hub) fanoutLocked(jobID string, e *entry, ev Event) {
	h.published++
	for id, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
			delete(e.subs, id)
			sub.closed = true
			close(sub.ch)
			h.logger.Warn().Str("job_id", jobID).Uint64("subscriber", id).Msg("subscriber dropped")
		}
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if e, ok := h.entries[sub.jobID]; ok {
		delete(e.subs, sub.id)
		h.collectLocked(sub.jobID, e)
	}
}

// collectLocked removes an entry whose subscriber set is empty once it either
// lost its last subscriber or reached a terminal state. Terminal entries stay
// for the retain window.
func (h *Hub) collectLocked(jobID string, e *entry) {
	if len(e.subs) > 0 || h.entries[jobID] != e {
		return
	}
	if e.terminal == nil {
		if e.status == nil && len(e.lines) == 0 {
			delete(h.entries, jobID)
		}
		return
	}
	if h.retain <= 0 {
		delete(h.entries, jobID)
		return
	}
	if e.expiry == nil {
		e.expiry = time.AfterFunc(h.retain, func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if cur, ok := h.entries[jobID]; ok && cur == e && len(e.subs) == 0 {
				delete(h.entries, jobID)
			}
		})
	}
}

func (h *Hub) emit(ev Event) {
	if h.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
	defer cancel()
	if err := h.sink.Emit(ctx, ev); err != nil {
		h.logger.Error().Err(err).Str("job_id", ev.JobID).Str("kind", string(ev.Kind)).Msg("event sink failed")
	}
}
