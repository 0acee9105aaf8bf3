package sfu

import (
	"log/slog"
	"sync"

	"github.com/riptide-io/riptide/internal/domain"
)

// subscriberKey identifies a subscription by both ends.
func subscriberKey(targetID, participantID string) string {
	return targetID + "_" + participantID
}

// Room is the SFU-local view of one meeting: the publishers it owns and the
// subscriptions between them. The room's entry is authoritative for a
// subscriber's lifetime; the publisher holds a shared reference.
type Room struct {
	ID string

	mu          sync.RWMutex
	publishers  map[string]*Publisher // participant id -> publisher
	subscribers map[string]*Subscriber

	logger *slog.Logger
}

func newRoom(id string, logger *slog.Logger) *Room {
	return &Room{
		ID:          id,
		publishers:  make(map[string]*Publisher),
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With("room_id", id),
	}
}

func (r *Room) addPublisher(p *Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[p.ParticipantID] = p
}

func (r *Room) getPublisher(participantID string) (*Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[participantID]
	if !ok {
		return nil, domain.ErrPublisherNotFound
	}
	return p, nil
}

func (r *Room) addSubscriber(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[subscriberKey(s.TargetID, s.ParticipantID)] = s
}

func (r *Room) getSubscriber(targetID, participantID string) (*Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscribers[subscriberKey(targetID, participantID)]
	if !ok {
		return nil, domain.ErrSubscriberNotFound
	}
	return s, nil
}

// leave removes a participant: every subscription fed from them, every
// subscription they hold on others, and finally their publisher.
// Removing a publisher always cascades to its subscribers, preserving the
// invariant that every subscriber's target names an extant publisher.
func (r *Room) leave(participantID string) {
	r.mu.Lock()

	var closing []*Subscriber
	for key, sub := range r.subscribers {
		if sub.TargetID == participantID || sub.ParticipantID == participantID {
			closing = append(closing, sub)
			delete(r.subscribers, key)
		}
	}

	publisher := r.publishers[participantID]
	delete(r.publishers, participantID)
	r.mu.Unlock()

	for _, sub := range closing {
		// Keep the publisher's view consistent with the room index
		r.mu.RLock()
		target := r.publishers[sub.TargetID]
		r.mu.RUnlock()
		if target != nil {
			target.RemoveSubscriber(sub.ParticipantID)
		}
		sub.Close()
	}

	if publisher != nil {
		publisher.Close()
		r.logger.Info("publisher left", "participant_id", participantID)
	}
}

func (r *Room) publisherCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.publishers)
}

func (r *Room) subscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// eachPublisher calls fn for every publisher outside the room lock.
func (r *Room) eachPublisher(fn func(*Publisher)) {
	r.mu.RLock()
	publishers := make([]*Publisher, 0, len(r.publishers))
	for _, p := range r.publishers {
		publishers = append(publishers, p)
	}
	r.mu.RUnlock()

	for _, p := range publishers {
		fn(p)
	}
}
