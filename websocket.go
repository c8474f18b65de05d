package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type        string         `json:"type"`
	Agents      []string       `json:"agents,omitempty"`
	Assessments []WSAssessment `json:"assessments,omitempty"`
	Error       string         `json:"error,omitempty"`
	PolledAt    *time.Time     `json:"polledAt,omitempty"`
}

// WSAssessment is a pushed reputation update for a single agent.
type WSAssessment struct {
	AgentID     string  `json:"agentId"`
	Score       *uint64 `json:"score"`
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Flagged     bool    `json:"flagged"`
	RecentTrend string  `json:"recentTrend"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn   *websocket.Conn
	agents map[string]bool // subscribed agent addresses
	mu     sync.Mutex
	cancel context.CancelFunc
}

// WSHub manages all active WebSocket clients. Snapshots are produced by the
// ledger watcher, injected to avoid a dependency cycle.
type WSHub struct {
	mu       sync.Mutex
	clients  map[*WSClient]bool
	snapshot func(ctx context.Context, agents []string) []WSAssessment
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]bool)}
}

// SetSnapshot installs the assessment lookup used for subscribe responses.
func (h *WSHub) SetSnapshot(fn func(ctx context.Context, agents []string) []WSAssessment) {
	h.snapshot = fn
}

// Register adds a client to the hub.
func (h *WSHub) Register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister removes a client from the hub.
func (h *WSHub) Unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscribedAgents returns the union of all client subscriptions.
func (h *WSHub) SubscribedAgents() []string {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	seen := make(map[string]bool)
	var agents []string
	for _, c := range clients {
		c.mu.Lock()
		for a := range c.agents {
			if !seen[a] {
				seen[a] = true
				agents = append(agents, a)
			}
		}
		c.mu.Unlock()
	}
	return agents
}

// SubscribedCount returns the number of distinct watched agents.
func (h *WSHub) SubscribedCount() int {
	return len(h.SubscribedAgents())
}

// Broadcast pushes assessments to every client subscribed to them. Called by
// the watcher after each poll cycle.
func (h *WSHub) Broadcast(assessments []WSAssessment, polledAt time.Time) {
	byAgent := make(map[string]WSAssessment, len(assessments))
	for _, a := range assessments {
		byAgent[a.AgentID] = a
	}

	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, client := range clients {
		client.mu.Lock()
		var mine []WSAssessment
		for a := range client.agents {
			if entry, ok := byAgent[a]; ok {
				mine = append(mine, entry)
			}
		}
		client.mu.Unlock()

		if len(mine) == 0 {
			continue
		}

		msg := WSMessage{Type: "update", Assessments: mine, PolledAt: &polledAt}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wsjson.Write(ctx, client.conn, msg)
		cancel()
		if err != nil {
			log.Printf("ws: failed to send update: %v", err)
			client.cancel()
			continue
		}
		sent++
	}

	if sent > 0 {
		log.Printf("ws: broadcast reputation update to %d clients", sent)
	}
}

// handleFeed is the HTTP handler for /ws/reputation. Non-upgrade requests
// get endpoint documentation.
func (h *WSHub) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "websocket" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"endpoint":         "/ws/reputation",
			"protocol":         "websocket",
			"connectedClients": h.ClientCount(),
			"description":      "Live reputation feed. Subscribe to agent addresses; assessments are pushed after each ledger poll.",
			"messages": map[string]string{
				"subscribe":   `{"type":"subscribe","agents":["0x..."]}`,
				"unsubscribe": `{"type":"unsubscribe","agents":["0x..."]}`,
			},
		})
		return
	}
	h.serveWebSocket(w, r)
}

func (h *WSHub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		conn:   c,
		agents: make(map[string]bool),
		cancel: cancel,
	}

	h.Register(client)
	defer func() {
		h.Unregister(client)
		c.CloseNow()
	}()

	welcome := WSMessage{Type: "connected"}
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	_ = wsjson.Write(wctx, c, welcome)
	wcancel()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg WSMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			valid := make([]string, 0, len(msg.Agents))
			for _, a := range msg.Agents {
				if IsHexAddress(a) {
					valid = append(valid, a)
				}
			}
			if len(valid) == 0 {
				h.writeTimeout(ctx, c, WSMessage{Type: "error", Error: "no valid agent addresses provided"})
				continue
			}
			// Cap subscriptions at 100 agents
			client.mu.Lock()
			for _, a := range valid {
				if len(client.agents) >= 100 {
					break
				}
				client.agents[a] = true
			}
			client.mu.Unlock()

			resp := WSMessage{Type: "assessments"}
			if h.snapshot != nil {
				resp.Assessments = h.snapshot(ctx, valid)
			}
			h.writeTimeout(ctx, c, resp)

		case "unsubscribe":
			client.mu.Lock()
			for _, a := range msg.Agents {
				delete(client.agents, a)
			}
			client.mu.Unlock()
			h.writeTimeout(ctx, c, WSMessage{Type: "unsubscribed"})

		default:
			h.writeTimeout(ctx, c, WSMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

func (h *WSHub) writeTimeout(ctx context.Context, c *websocket.Conn, msg WSMessage) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = wsjson.Write(wctx, c, msg)
}
