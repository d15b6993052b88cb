// Package inmembus is the default, single-process Bus implementation used
// by every unit test and by a single-node steepd. It mirrors the teacher's
// worker-pool scheduler in spirit: handlers run on their own goroutine so a
// slow subscriber never blocks the publisher.
package inmembus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/steep-wms/steep/pkg/eventbus"
)

// Bus is an in-memory, goroutine-safe implementation of eventbus.Bus.
type Bus struct {
	log zerolog.Logger

	mu       sync.RWMutex
	subs     map[string]map[int]eventbus.Handler
	handlers map[string]eventbus.Handler
	nextSubID int
	closed   bool
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log.With().Str("component", "inmembus").Logger(),
		subs:     make(map[string]map[int]eventbus.Handler),
		handlers: make(map[string]eventbus.Handler),
	}
}

func (b *Bus) Publish(address string, msg eventbus.Message) {
	b.mu.RLock()
	handlers := make([]eventbus.Handler, 0, len(b.subs[address]))
	for _, h := range b.subs[address] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h eventbus.Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("address", address).Msg("subscriber panicked")
				}
			}()
			if _, err := h(context.Background(), msg); err != nil {
				b.log.Warn().Err(err).Str("address", address).Msg("publish subscriber returned error")
			}
		}(h)
	}
}

func (b *Bus) Send(ctx context.Context, address string, msg eventbus.Message) (eventbus.Message, error) {
	b.mu.RLock()
	h, ok := b.handlers[address]
	b.mu.RUnlock()
	if !ok {
		return nil, eventbus.ErrNoHandler
	}

	type result struct {
		reply eventbus.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: eventbus.ErrTimeout}
			}
		}()
		reply, err := h(ctx, msg)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, eventbus.ErrTimeout
	}
}

func (b *Bus) Subscribe(address string, handler eventbus.Handler) func() {
	b.mu.Lock()
	if b.subs[address] == nil {
		b.subs[address] = make(map[int]eventbus.Handler)
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[address][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[address], id)
		b.mu.Unlock()
	}
}

func (b *Bus) Register(address string, handler eventbus.Handler) func() {
	b.mu.Lock()
	b.handlers[address] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if b.handlers[address] != nil {
			delete(b.handlers, address)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]eventbus.Handler)
	b.handlers = make(map[string]eventbus.Handler)
	return nil
}

var _ eventbus.Bus = (*Bus)(nil)
