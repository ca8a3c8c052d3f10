package memstore

import "sync"

// hub fans change notifications out to watchers. Watchers register a
// one-slot channel under a topic; notifications coalesce, so a slow watcher
// sees at least one wake-up after the latest change rather than every change.
type hub struct {
	mu       sync.RWMutex
	watchers map[string]map[int64]chan struct{}
	nextID   int64
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[int64]chan struct{})}
}

// register subscribes to topic and returns the wake-up channel and an id
// for unregister.
func (h *hub) register(topic string) (int64, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watchers[topic]; !ok {
		h.watchers[topic] = make(map[int64]chan struct{})
	}

	h.nextID++
	id := h.nextID
	ch := make(chan struct{}, 1)
	h.watchers[topic][id] = ch
	return id, ch
}

func (h *hub) unregister(topic string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.watchers[topic]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.watchers, topic)
		}
	}
}

// notify wakes every watcher of the given topics without blocking.
func (h *hub) notify(topics ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, topic := range topics {
		for _, ch := range h.watchers[topic] {
			select {
			case ch <- struct{}{}:
			default:
				// already pending
			}
		}
	}
}

// count returns the number of watchers on topic.
func (h *hub) count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[topic])
}
