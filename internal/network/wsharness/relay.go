// Package wsharness is an in-process relay test harness: a real
// gorilla/websocket upgrade-then-read-loop server, in the shape of the
// teacher's service/server.HttpServer, speaking a minimal subset of the
// Nostr relay wire protocol (EVENT/REQ/EOSE/CLOSE/OK) so runtime tests can
// exercise publish/subscribe/request without a live relay.
package wsharness

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/marmot-im/marmot-go/internal/logging"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Relay is a single in-process relay: an httptest.Server with one websocket
// endpoint, an in-memory event log, and live subscriptions.
type Relay struct {
	srv *httptest.Server
	url string

	mu     sync.Mutex
	events []nostr.Event
	subs   map[*websocket.Conn]map[string]nostr.Filter
}

// NewRelay starts a relay and returns it listening on an ephemeral port.
func NewRelay() *Relay {
	r := &Relay{subs: make(map[*websocket.Conn]map[string]nostr.Filter)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.subs[conn] = make(map[string]nostr.Filter)
		r.mu.Unlock()
		go r.readLoop(conn)
	})

	r.srv = httptest.NewServer(mux)
	r.url = "ws" + r.srv.URL[len("http"):]
	return r
}

// URL is this relay's ws:// endpoint.
func (r *Relay) URL() string { return r.url }

// Close shuts down the relay's server.
func (r *Relay) Close() { r.srv.Close() }

type clientMsg struct {
	Type   string          `json:"type"`
	SubID  string          `json:"sub_id,omitempty"`
	Event  *nostr.Event    `json:"event,omitempty"`
	Filter json.RawMessage `json:"filter,omitempty"`
}

type serverMsg struct {
	Type    string      `json:"type"`
	SubID   string      `json:"sub_id,omitempty"`
	Event   *nostr.Event `json:"event,omitempty"`
	EventID string      `json:"event_id,omitempty"`
	OK      bool        `json:"ok,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	defer func() {
		r.mu.Lock()
		delete(r.subs, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logging.Debug("wsharness relay connection closed", zap.Error(err))
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "EVENT":
			r.handleEvent(conn, msg)
		case "REQ":
			r.handleReq(conn, msg)
		case "CLOSE":
			r.mu.Lock()
			delete(r.subs[conn], msg.SubID)
			r.mu.Unlock()
		}
	}
}

func (r *Relay) handleEvent(conn *websocket.Conn, msg clientMsg) {
	if msg.Event == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, *msg.Event)
	matches := r.matchingSubs(*msg.Event)
	r.mu.Unlock()

	_ = conn.WriteJSON(serverMsg{Type: "OK", EventID: msg.Event.ID, OK: true})
	for sc, subIDs := range matches {
		for _, subID := range subIDs {
			_ = sc.WriteJSON(serverMsg{Type: "EVENT", SubID: subID, Event: msg.Event})
		}
	}
}

func (r *Relay) matchingSubs(evt nostr.Event) map[*websocket.Conn][]string {
	out := make(map[*websocket.Conn][]string)
	for c, filters := range r.subs {
		for subID, f := range filters {
			if f.Matches(&evt) {
				out[c] = append(out[c], subID)
			}
		}
	}
	return out
}

func (r *Relay) handleReq(conn *websocket.Conn, msg clientMsg) {
	var f nostr.Filter
	if len(msg.Filter) > 0 {
		_ = json.Unmarshal(msg.Filter, &f)
	}

	r.mu.Lock()
	var matched []nostr.Event
	for _, e := range r.events {
		if f.Matches(&e) {
			matched = append(matched, e)
		}
	}
	if r.subs[conn] == nil {
		r.subs[conn] = make(map[string]nostr.Filter)
	}
	r.subs[conn][msg.SubID] = f
	r.mu.Unlock()

	for _, e := range matched {
		evt := e
		_ = conn.WriteJSON(serverMsg{Type: "EVENT", SubID: msg.SubID, Event: &evt})
	}
	_ = conn.WriteJSON(serverMsg{Type: "EOSE", SubID: msg.SubID})
}
