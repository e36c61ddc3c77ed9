package app

import "sync"

// Notifier fans out the identity keys of changed activities to
// listeners, so a connected client can refresh just the rows that
// moved. Sends never block: a slow listener misses keys instead of
// stalling the mutation path.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan string
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan string)}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release it; the channel closes on cancel.
func (n *Notifier) Subscribe() (<-chan string, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan string, 32)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Notify delivers key to every listener that has buffer room.
func (n *Notifier) Notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- key:
		default:
		}
	}
}
