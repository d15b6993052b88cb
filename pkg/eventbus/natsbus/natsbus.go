// Package natsbus is the real-cluster Bus implementation: each node
// connects to the same NATS server, publishes with nc.Publish, and
// implements request/reply with nc.Request/msg.Respond — the same shape
// spec §6's table of addresses describes, just carried over NATS subjects
// instead of an in-process map.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/steep-wms/steep/pkg/eventbus"
)

// Bus adapts a *nats.Conn to eventbus.Bus.
type Bus struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials url (e.g. "nats://localhost:4222") and returns a ready Bus.
func Connect(url string, log zerolog.Logger) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", url, err)
	}
	return &Bus{conn: conn, log: log.With().Str("component", "natsbus").Logger()}, nil
}

func (b *Bus) Publish(address string, msg eventbus.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Str("address", address).Msg("marshal publish payload")
		return
	}
	if err := b.conn.Publish(address, data); err != nil {
		b.log.Warn().Err(err).Str("address", address).Msg("publish failed")
	}
}

func (b *Bus) Send(ctx context.Context, address string, msg eventbus.Message) (eventbus.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("natsbus: marshal request: %w", err)
	}

	reply, err := b.conn.RequestWithContext(ctx, address, data)
	if err != nil {
		if err == nats.ErrTimeout || err == nats.ErrNoResponders || ctx.Err() != nil {
			return nil, eventbus.ErrTimeout
		}
		return nil, fmt.Errorf("natsbus: request %s: %w", address, err)
	}

	var out eventbus.Message
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return nil, fmt.Errorf("natsbus: unmarshal reply: %w", err)
	}
	return out, nil
}

func (b *Bus) Subscribe(address string, handler eventbus.Handler) func() {
	sub, err := b.conn.Subscribe(address, func(m *nats.Msg) {
		var msg eventbus.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Warn().Err(err).Str("address", address).Msg("unmarshal publish payload")
			return
		}
		if _, err := handler(context.Background(), msg); err != nil {
			b.log.Warn().Err(err).Str("address", address).Msg("subscriber returned error")
		}
	})
	if err != nil {
		b.log.Error().Err(err).Str("address", address).Msg("subscribe failed")
		return func() {}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { _ = sub.Unsubscribe() }
}

func (b *Bus) Register(address string, handler eventbus.Handler) func() {
	sub, err := b.conn.Subscribe(address, func(m *nats.Msg) {
		var msg eventbus.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Warn().Err(err).Str("address", address).Msg("unmarshal request payload")
			return
		}
		reply, err := handler(context.Background(), msg)
		if err != nil {
			b.log.Warn().Err(err).Str("address", address).Msg("handler returned error")
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			b.log.Error().Err(err).Str("address", address).Msg("marshal reply")
			return
		}
		if err := m.Respond(data); err != nil {
			b.log.Warn().Err(err).Str("address", address).Msg("respond failed")
		}
	})
	if err != nil {
		b.log.Error().Err(err).Str("address", address).Msg("register failed")
		return func() {}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { _ = sub.Unsubscribe() }
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.conn.Close()
	return nil
}

var _ eventbus.Bus = (*Bus)(nil)
