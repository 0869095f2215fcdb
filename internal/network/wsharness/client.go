package wsharness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/network"
	"github.com/nbd-wtf/go-nostr"
)

// Client is a network.Network implementation dialing wsharness relays.
type Client struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn

	// inbox maps a pubkey to the relay URLs it should be reached at, set
	// directly by tests (no real relay-list-metadata event in the harness).
	inbox map[string][]string
}

func NewClient() *Client {
	return &Client{conns: make(map[string]*websocket.Conn), inbox: make(map[string][]string)}
}

var _ network.Network = (*Client)(nil)

// SetInboxRelays registers relays GetUserInboxRelays returns for pubkey.
func (c *Client) SetInboxRelays(pubkey string, relays []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox[pubkey] = relays
}

func (c *Client) dial(url string) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[url]; ok {
		return conn, nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.RequestTimeout, fmt.Sprintf("dial harness relay %s", url), err)
	}
	c.conns[url] = conn
	return conn, nil
}

func toNostrFilter(f network.Filter) nostr.Filter {
	nf := nostr.Filter{Kinds: f.Kinds, Authors: f.Authors, Limit: f.Limit}
	if len(f.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	nf.Since = f.Since
	nf.Until = f.Until
	return nf
}

func (c *Client) Request(ctx context.Context, relays []string, filter network.Filter) ([]nostr.Event, error) {
	nf := toNostrFilter(filter)
	subID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	seen := map[string]bool{}
	var out []nostr.Event

	for _, url := range relays {
		conn, err := c.dial(url)
		if err != nil {
			continue
		}
		filterJSON, _ := json.Marshal(nf)
		if err := conn.WriteJSON(clientMsg{Type: "REQ", SubID: subID, Filter: filterJSON}); err != nil {
			continue
		}
		for {
			var msg serverMsg
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			if msg.Type == "EOSE" && msg.SubID == subID {
				break
			}
			if msg.Type == "EVENT" && msg.SubID == subID && msg.Event != nil {
				if !seen[msg.Event.ID] {
					seen[msg.Event.ID] = true
					out = append(out, *msg.Event)
				}
			}
		}
		_ = conn.WriteJSON(clientMsg{Type: "CLOSE", SubID: subID})
	}
	return out, nil
}

func (c *Client) Subscribe(ctx context.Context, relays []string, filter network.Filter) (<-chan nostr.Event, func(), error) {
	nf := toNostrFilter(filter)
	subID := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	out := make(chan nostr.Event, 64)
	subCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	var subConns []*websocket.Conn
	for _, url := range relays {
		// A subscription reads on its own connection, so its reader goroutine
		// never consumes replies meant for Request or Publish.
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			continue
		}
		subConns = append(subConns, conn)
		filterJSON, _ := json.Marshal(nf)
		if err := conn.WriteJSON(clientMsg{Type: "REQ", SubID: subID, Filter: filterJSON}); err != nil {
			continue
		}
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for {
				var msg serverMsg
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if msg.Type == "EVENT" && msg.SubID == subID && msg.Event != nil {
					select {
					case out <- *msg.Event:
					case <-subCtx.Done():
						return
					}
				}
				select {
				case <-subCtx.Done():
					return
				default:
				}
			}
		}(conn)
	}

	stop := func() {
		cancel()
		for _, conn := range subConns {
			_ = conn.WriteJSON(clientMsg{Type: "CLOSE", SubID: subID})
			_ = conn.Close()
		}
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, stop, nil
}

func (c *Client) Publish(ctx context.Context, relays []string, evt nostr.Event) (map[string]network.PublishReceipt, error) {
	out := make(map[string]network.PublishReceipt, len(relays))
	for _, url := range relays {
		conn, err := c.dial(url)
		if err != nil {
			out[url] = network.PublishReceipt{OK: false, From: url, Message: err.Error()}
			continue
		}
		if err := conn.WriteJSON(clientMsg{Type: "EVENT", Event: &evt}); err != nil {
			out[url] = network.PublishReceipt{OK: false, From: url, Message: err.Error()}
			continue
		}
		var resp serverMsg
		if err := conn.ReadJSON(&resp); err != nil || resp.Type != "OK" {
			out[url] = network.PublishReceipt{OK: false, From: url, Message: "no OK received"}
			continue
		}
		out[url] = network.PublishReceipt{OK: resp.OK, From: url}
	}
	return out, nil
}

func (c *Client) GetUserInboxRelays(ctx context.Context, pubkey string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	relays, ok := c.inbox[pubkey]
	if !ok {
		return nil, errs.New(errs.InvalidRelayURL, "no inbox relays registered for pubkey")
	}
	return relays, nil
}
