// Package eventbus defines the publish/subscribe, request/reply message
// layer every cluster component talks through (spec §4.3, §6). Two
// implementations satisfy Bus: pkg/eventbus/inmembus (single process,
// default, used by every test) and pkg/eventbus/natsbus (real clusters).
package eventbus

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Send when no reply arrives before the
// deadline (spec §4.3 "a timed-out tryAllocate returns no agent").
var ErrTimeout = errors.New("eventbus: request timed out")

// ErrNoHandler is returned by Send when nothing is registered on the
// address at all (distinct from a registered handler that never replies).
var ErrNoHandler = errors.New("eventbus: no handler registered on address")

// Message is the JSON-object wire format spec §6 names: an "action" field
// plus action-specific fields, carried here as a generic map so callers can
// encode/decode their own typed payloads into it.
type Message map[string]interface{}

// Handler processes one request or publish. For a Send (request/reply) it
// returns the reply Message; for a Publish the return value is ignored.
type Handler func(ctx context.Context, msg Message) (Message, error)

// Bus is the address-based pub/sub + request/reply abstraction the cluster
// runs on.
type Bus interface {
	// Publish fires-and-forgets msg to every current subscriber of address.
	// No ordering guarantee across addresses or across publishers (spec §5).
	Publish(address string, msg Message)

	// Send delivers msg to exactly one handler registered on address and
	// waits for its reply, honoring ctx's deadline. Point-to-point Send
	// preserves per-address ordering (spec §5).
	Send(ctx context.Context, address string, msg Message) (Message, error)

	// Subscribe registers handler to receive every Publish on address.
	// Returns an unsubscribe function.
	Subscribe(address string, handler Handler) (unsubscribe func())

	// Register installs the single request/reply handler for address,
	// replacing any previous one. Returns a deregister function.
	Register(address string, handler Handler) (deregister func())

	// Close releases all subscriptions and handlers.
	Close() error
}

// DefaultRequestTimeout is used by callers that don't impose their own
// deadline on Send.
const DefaultRequestTimeout = 5 * time.Second
