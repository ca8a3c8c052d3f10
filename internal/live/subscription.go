// Package live runs cancelable push subscriptions.
//
// A subscription owns exactly one goroutine. Updates are delivered from that
// goroutine in the order the source produced them, so a callback never runs
// concurrently with itself. Separate subscriptions are independent.
package live

import (
	"context"
	"errors"
	"sync"
)

// Source produces updates by calling emit until ctx is done or it fails.
// It returns nil or ctx.Err() on cancellation.
type Source[T any] func(ctx context.Context, emit func(T)) error

// Subscription is the handle returned by every subscribe call.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts src. onUpdate receives every update; onError receives at
// most one terminal error, after which the subscription is dead. There is no
// automatic resubscribe.
func Subscribe[T any](parent context.Context, src Source[T], onUpdate func(T), onError func(error)) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer cancel()

		err := src(ctx, func(v T) {
			if ctx.Err() != nil {
				return
			}
			onUpdate(v)
		})
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		if onError != nil {
			onError(err)
		}
	}()

	return s
}

// Unsubscribe stops delivery and waits for the subscription goroutine to
// exit. No callback runs after it returns. Safe to call more than once.
// It must not be called from inside the subscription's own callbacks.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the subscription has stopped, either by Unsubscribe
// or by a terminal error.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
