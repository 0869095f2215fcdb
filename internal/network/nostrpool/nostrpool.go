// Package nostrpool is the production I2 backend: a thin pool of
// github.com/nbd-wtf/go-nostr relay connections, one per relay URL, reused
// across Request/Subscribe/Publish calls.
package nostrpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/nbd-wtf/go-nostr"
)

// Pool is a network.Network backed by real relay connections.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*nostr.Relay
}

func New() *Pool {
	return &Pool{conns: make(map[string]*nostr.Relay)}
}

var _ network.Network = (*Pool)(nil)

func (p *Pool) conn(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[url]; ok {
		return c, nil
	}
	c, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, errs.Wrap(errs.RequestTimeout, fmt.Sprintf("connect to relay %s", url), err)
	}
	p.conns[url] = c
	return c, nil
}

func toNostrFilter(f network.Filter) nostr.Filter {
	nf := nostr.Filter{
		Kinds:   f.Kinds,
		Authors: f.Authors,
		Limit:   f.Limit,
	}
	if len(f.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	if f.Since != nil {
		nf.Since = f.Since
	}
	if f.Until != nil {
		nf.Until = f.Until
	}
	return nf
}

func (p *Pool) Request(ctx context.Context, relays []string, filter network.Filter) ([]nostr.Event, error) {
	nf := toNostrFilter(filter)
	seen := map[string]bool{}
	var out []nostr.Event
	for _, url := range relays {
		c, err := p.conn(ctx, url)
		if err != nil {
			continue
		}
		evts, err := c.QuerySync(ctx, nf)
		if err != nil {
			continue
		}
		for _, e := range evts {
			if e == nil || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, *e)
		}
	}
	return out, nil
}

func (p *Pool) Subscribe(ctx context.Context, relays []string, filter network.Filter) (<-chan nostr.Event, func(), error) {
	nf := toNostrFilter(filter)
	out := make(chan nostr.Event, 64)
	subCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, url := range relays {
		c, err := p.conn(subCtx, url)
		if err != nil {
			continue
		}
		sub, err := c.Subscribe(subCtx, nostr.Filters{nf})
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for evt := range sub.Events {
				select {
				case out <- *evt:
				case <-subCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, cancel, nil
}

func (p *Pool) Publish(ctx context.Context, relays []string, evt nostr.Event) (map[string]network.PublishReceipt, error) {
	out := make(map[string]network.PublishReceipt, len(relays))
	for _, url := range relays {
		c, err := p.conn(ctx, url)
		if err != nil {
			out[url] = network.PublishReceipt{OK: false, From: url, Message: err.Error()}
			continue
		}
		if err := c.Publish(ctx, evt); err != nil {
			out[url] = network.PublishReceipt{OK: false, From: url, Message: err.Error()}
			continue
		}
		out[url] = network.PublishReceipt{OK: true, From: url}
	}
	return out, nil
}

// GetUserInboxRelays queries the pubkey's kind=10002 relay-list event on the
// relays this pool is already connected to and extracts "read"/no-marker
// entries. If no relay-list is found it returns an InvalidRelayURL error.
func (p *Pool) GetUserInboxRelays(ctx context.Context, pubkey string) ([]string, error) {
	var discoveryRelays []string
	p.mu.Lock()
	for url := range p.conns {
		discoveryRelays = append(discoveryRelays, url)
	}
	p.mu.Unlock()

	evts, err := p.Request(ctx, discoveryRelays, network.Filter{Kinds: []int{10002}, Authors: []string{pubkey}, Limit: 1})
	if err != nil || len(evts) == 0 {
		return nil, errs.New(errs.InvalidRelayURL, "no relay-list event found for pubkey")
	}
	var inbox []string
	for _, tag := range evts[0].Tags {
		if len(tag) >= 2 && tag[0] == "r" {
			if len(tag) >= 3 && tag[2] == "write" {
				continue
			}
			inbox = append(inbox, tag[1])
		}
	}
	return inbox, nil
}
