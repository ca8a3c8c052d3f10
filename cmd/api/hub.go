package main

import (
	"context"
	"sync"
)

// StreamHub tracks the open watch streams of each signed-in user so they can
// be closed together when the user signs out. Streams register the cancel
// function of their own context.
type StreamHub struct {
	mu      sync.RWMutex
	streams map[string]map[int64]context.CancelFunc
	nextID  int64
}

// NewStreamHub creates a new hub instance.
func NewStreamHub() *StreamHub {
	return &StreamHub{streams: make(map[string]map[int64]context.CancelFunc)}
}

// Register records a stream for userID and returns a connection id which
// should be used later to unregister the stream when it closes.
func (h *StreamHub) Register(userID string, cancel context.CancelFunc) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.streams[userID]; !ok {
		h.streams[userID] = make(map[int64]context.CancelFunc)
	}

	h.nextID++
	id := h.nextID
	h.streams[userID][id] = cancel
	return id
}

// Unregister removes a previously-registered stream for the given user.
func (h *StreamHub) Unregister(userID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.streams[userID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.streams, userID)
		}
	}
}

// CloseUser cancels every stream of userID and returns how many there were.
// The streams unregister themselves as they exit.
func (h *StreamHub) CloseUser(userID string) int {
	h.mu.RLock()
	conns := h.streams[userID]
	cancels := make([]context.CancelFunc, 0, len(conns))
	for _, cancel := range conns {
		cancels = append(cancels, cancel)
	}
	h.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Count returns the number of open streams of userID.
func (h *StreamHub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[userID])
}
