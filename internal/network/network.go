// Package network defines I2: the relay transport this library needs from
// its host application — historical query, live subscription, publish with
// per-relay acknowledgement, and inbox-relay discovery for gift-wrap
// delivery.
package network

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Filter bounds a Request/Subscribe call. Nil/zero fields mean unbounded.
type Filter struct {
	Kinds   []int
	Authors []string
	Tags    map[string][]string // e.g. {"h": {groupIDHex}}, {"e": {eventID}}
	Since   *nostr.Timestamp
	Until   *nostr.Timestamp
	Limit   int
}

// PublishReceipt is one relay's verdict on a publish attempt.
type PublishReceipt struct {
	OK      bool
	From    string
	Message string
}

// Network is I2.
type Network interface {
	// Request performs a historical query across relays.
	Request(ctx context.Context, relays []string, filter Filter) ([]nostr.Event, error)

	// Subscribe opens a live feed. The returned channel is closed and the
	// cancel func becomes a no-op once the subscription ends.
	Subscribe(ctx context.Context, relays []string, filter Filter) (<-chan nostr.Event, func(), error)

	// Publish sends evt to every relay, returning each relay's receipt keyed
	// by relay URL.
	Publish(ctx context.Context, relays []string, evt nostr.Event) (map[string]PublishReceipt, error)

	// GetUserInboxRelays resolves a pubkey's preferred inbox relays, used to
	// target gift-wrapped Welcome delivery.
	GetUserInboxRelays(ctx context.Context, pubkey string) ([]string, error)
}
