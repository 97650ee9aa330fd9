package store

import "sync"

// BatchNote announces a committed ingest batch to subscribers.
type BatchNote struct {
	InsertedCount int
	CommittedAt   int64 // epoch ms
}

// Notifier is the explicit change-notification channel between batch
// writers and readers: writers commit, subscribers get a note. Slow
// subscribers have notes dropped rather than blocking the ingest path.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan BatchNote
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan BatchNote)}
}

// Subscribe registers a subscriber and returns its channel along with a
// cancel function that must be called to release it.
func (n *Notifier) Subscribe() (<-chan BatchNote, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan BatchNote, 16)
	n.subs[id] = ch
	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
}

// Publish delivers the note to every subscriber without blocking.
func (n *Notifier) Publish(note BatchNote) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- note:
		default: // subscriber is behind, drop
		}
	}
}
