package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 20 * time.Second
	writeWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscriber is one live WebSocket connection fed by the bus.
type subscriber struct {
	id      string
	bus     *Bus
	conn    *websocket.Conn
	send    chan Envelope
	dropped atomic.Bool

	topicsMu sync.Mutex
	topics   map[Topic]bool
}

func (s *subscriber) matches(topic Topic) bool {
	if s.dropped.Load() {
		return false
	}
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	return s.topics[TopicAll] || s.topics[topic]
}

func (s *subscriber) setTopics(names []string) {
	set := make(map[Topic]bool, len(names))
	for _, n := range names {
		set[Topic(strings.TrimSpace(n))] = true
	}
	if len(set) == 0 {
		set[TopicAll] = true
	}
	s.topicsMu.Lock()
	s.topics = set
	s.topicsMu.Unlock()
}

func (s *subscriber) drop() {
	if s.dropped.CompareAndSwap(false, true) {
		close(s.send)
	}
}

// clientFrame is the shape of every client-to-server message: a typed
// envelope whose data carries either a subscription change or a
// confirmation answer. Bare `{confirmation_id, answer}` frames without the
// envelope are also accepted.
type clientFrame struct {
	Type string `json:"type"`
	Data struct {
		Topics         []string `json:"topics"`
		ConfirmationID string   `json:"confirmation_id"`
		Answer         string   `json:"answer"`
	} `json:"data"`

	ConfirmationID string `json:"confirmation_id"`
	Answer         string `json:"answer"`
}

// ServeHTTP upgrades the request to a WebSocket subscription. The `topics`
// query parameter is a comma-separated subset of all/skills/steps/
// confirmations/status; it defaults to "all".
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	topics := map[Topic]bool{}
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		topics[TopicAll] = true
	} else {
		for _, t := range strings.Split(raw, ",") {
			topics[Topic(strings.TrimSpace(t))] = true
		}
	}

	sub := &subscriber{
		id:     newSubscriptionID(),
		bus:    b,
		conn:   conn,
		send:   make(chan Envelope, b.sendBuffer),
		topics: topics,
	}
	unregister := b.register(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		unregister()
		sub.drop()
		_ = conn.Close()
	}()

	go sub.readLoop(cancel)
	sub.writeLoop(ctx)
}

func (s *subscriber) readLoop(cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "subscribe":
			s.setTopics(frame.Data.Topics)
		case "confirmation_answer":
			_ = s.bus.ResolveConfirmation(frame.Data.ConfirmationID, frame.Data.Answer)
		default:
			// Legacy bare answer frame; unknown ids are ignored.
			if frame.ConfirmationID != "" {
				_ = s.bus.ResolveConfirmation(frame.ConfirmationID, frame.Answer)
			}
		}
	}
}

func (s *subscriber) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-s.send:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
