// Package events fans task patches out to live subscribers, per project.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/patch"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Publisher accepts patches for a project.
type Publisher interface {
	Publish(projectID string, p patch.Patch)
}

type subscriber struct {
	ch chan patch.Patch
}

// Hub is an in-memory Publisher. A subscriber whose queue is full is
// dropped and its channel closed; the publisher never blocks.
type Hub struct {
	buf int
	log *zap.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(buf int, log *zap.Logger) *Hub {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{buf: buf, log: log, subs: map[string]map[*subscriber]struct{}{}}
}

// Subscribe registers a subscriber for projectID. The returned cancel
// function unsubscribes and closes the channel; it may be called more than
// once.
func (h *Hub) Subscribe(projectID string) (<-chan patch.Patch, func()) {
	s := &subscriber{ch: make(chan patch.Patch, h.buf)}
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = map[*subscriber]struct{}{}
	}
	h.subs[projectID][s] = struct{}{}
	h.mu.Unlock()

	return s.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(projectID, s)
	}
}

func (h *Hub) removeLocked(projectID string, s *subscriber) {
	set := h.subs[projectID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, projectID)
	}
	close(s.ch)
}

// Publish delivers p to every subscriber of projectID in call order.
func (h *Hub) Publish(projectID string, p patch.Patch) {
	if len(p) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[projectID] {
		select {
		case s.ch <- p:
		default:
			h.log.Warn("dropping slow live subscriber", zap.String("project_id", projectID))
			h.removeLocked(projectID, s)
		}
	}
}

// Subscribers reports the number of live subscribers for projectID.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[projectID])
}
