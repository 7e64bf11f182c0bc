// Package eventbus implements the in-process pub/sub event bus (C2):
// dotted pattern subscriptions, a bounded replay log, and per-publisher
// ordering (spec §4.2). Grounded on the operation names of
// original_source's event_bus_adapter.py (publish/create_subscription/
// replay_events), translated to a Go interface; no direct teacher Go
// analogue exists for this component.
package eventbus

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// Filter narrows delivered events beyond pattern matching.
type Filter func(domain.Event) bool

// Transform rewrites an event before delivery (e.g. redacting fields).
type Transform func(domain.Event) domain.Event

type subscription struct {
	id        string
	pattern   []string // dotted pattern split into segments
	filter    Filter
	transform Transform
	ch        chan domain.Event
}

// Bus is the C2 event bus: in-process, concurrency-safe, with a bounded
// replay ring. publishMu serializes Publish, so events from one
// publisher are enqueued in publish order (P6) even though delivery
// itself fans out over per-subscriber buffered channels.
type Bus struct {
	mu            sync.RWMutex
	subs          map[string]*subscription
	replay        []domain.Event
	replayHead    int
	replayFilled  bool
	replayCap     int
	logger        core.Logger

	publishMu sync.Mutex // serializes publish() so per-publisher order is deterministic
}

// New builds an event bus with the given bounded replay log size
// (spec §6 EVENT_REPLAY_LOG_SIZE, default 10000).
func New(replayCap int, logger core.Logger) *Bus {
	if replayCap <= 0 {
		replayCap = 10000
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Bus{
		subs:      map[string]*subscription{},
		replay:    make([]domain.Event, replayCap),
		replayCap: replayCap,
		logger:    logger,
	}
}

// Publish fans out event to every subscription whose pattern matches,
// each via its own buffered channel so a slow subscriber cannot block
// others or the publisher (spec §4.2: "bus fans out every matching event
// to each"). Delivery is best-effort, not at-least-once: when a
// subscriber's buffer is full, the oldest queued event is dropped to make
// room, and if the buffer is still full the new event is dropped.
func (b *Bus) Publish(event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	b.replay[b.replayHead] = event
	b.replayHead = (b.replayHead + 1) % b.replayCap
	if b.replayHead == 0 {
		b.replayFilled = true
	}
	subsSnapshot := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subsSnapshot = append(subsSnapshot, s)
	}
	b.mu.Unlock()

	segments := strings.Split(event.Type, ".")
	for _, s := range subsSnapshot {
		if !patternMatches(s.pattern, segments) {
			continue
		}
		delivered := event
		if s.filter != nil && !s.filter(delivered) {
			continue
		}
		if s.transform != nil {
			delivered = s.transform(delivered)
		}
		select {
		case s.ch <- delivered:
		default:
			b.logger.Warn("subscriber channel full, dropping oldest", map[string]interface{}{
				"subscription_id": s.id, "event_type": event.Type,
			})
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- delivered:
			default:
			}
		}
	}
}

// Subscribe registers a pattern subscription and returns its id and the
// channel events are delivered on. pattern is dotted with `*` (single
// segment) and `**` (any suffix) wildcards (spec §4.2).
func (b *Bus) Subscribe(pattern string, filter Filter, transform Transform) (string, <-chan domain.Event) {
	id := uuid.NewString()
	sub := &subscription{
		id:        id,
		pattern:   strings.Split(pattern, "."),
		filter:    filter,
		transform: transform,
		ch:        make(chan domain.Event, 256),
	}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Replay returns up to limit most-recent events matching filter, oldest
// first, from the bounded ring (spec §4.2).
func (b *Bus) Replay(filter Filter, limit int) []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ordered []domain.Event
	if b.replayFilled {
		ordered = append(ordered, b.replay[b.replayHead:]...)
		ordered = append(ordered, b.replay[:b.replayHead]...)
	} else {
		ordered = append(ordered, b.replay[:b.replayHead]...)
	}

	var out []domain.Event
	for _, e := range ordered {
		if e.ID == "" {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// patternMatches implements spec §4.2's dotted matcher: `*` matches
// exactly one segment, `**` matches any (possibly zero) suffix of
// segments and must be the pattern's final element.
func patternMatches(pattern, segments []string) bool {
	i := 0
	for ; i < len(pattern); i++ {
		if pattern[i] == "**" {
			return true
		}
		if i >= len(segments) {
			return false
		}
		if pattern[i] != "*" && pattern[i] != segments[i] {
			return false
		}
	}
	return i == len(segments)
}
