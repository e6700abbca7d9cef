package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/db"
	"github.com/mschirtzinger/tracksync/internal/schema"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
	clientQueue  = 32
)

// MessageType is the kind of a pushed message.
type MessageType string

const (
	MessageHello  MessageType = "hello"
	MessageChange MessageType = "change"
)

// Notice is the part of a change a subscriber receives.
type Notice struct {
	Table   string `json:"table"`
	ID      int64  `json:"id"`
	Op      db.Op  `json:"op"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Message is one websocket frame.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Change    *Notice     `json:"change,omitempty"`
	Area      Area        `json:"area,omitempty"`
}

// UserLookup resolves subscriber roles.
type UserLookup interface {
	Get(ctx context.Context, id int64) (*schema.User, error)
}

type client struct {
	conn *websocket.Conn
	sub  Subscriber
	send chan []byte
}

// Hub fans store changes out to websocket clients.
type Hub struct {
	users  UserLookup
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	changes chan db.Change
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub returns a hub; call Start before serving.
func NewHub(users UserLookup, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		users:   users,
		logger:  logger.Named("notify"),
		clients: make(map[*client]struct{}),
		changes: make(chan db.Change, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach subscribes the hub to every write of database.
func (h *Hub) Attach(database *db.DB) {
	database.Subscribe(h.Publish)
}

// Publish queues a change. It never blocks: when the queue is full the
// change is dropped and logged.
func (h *Hub) Publish(c db.Change) {
	select {
	case h.changes <- c:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("change queue full, dropping change",
			zap.String("table", c.Table), zap.Int64("id", c.ID))
	}
}

// Start runs the fan-out loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, c)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.changes:
			h.fanOut(c)
		}
	}
}

func (h *Hub) fanOut(c db.Change) {
	data, err := json.Marshal(Message{
		Type:      MessageChange,
		Timestamp: time.Now().UTC(),
		Change:    &Notice{Table: c.Table, ID: c.ID, Op: c.Op, Deleted: c.Deleted},
	})
	if err != nil {
		h.logger.Error("failed to encode change", zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for cl := range h.clients {
		if !Relevant(cl.sub, c) {
			continue
		}
		select {
		case cl.send <- data:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		h.logger.Info("dropping slow client", zap.Int64("user", cl.sub.UserID))
		h.remove(cl, websocket.StatusPolicyViolation, "too slow")
	}
}

// ServeHTTP upgrades GET /ws?user=ID&area=client|admin.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	sub, err := h.subscriber(r)
	if err != nil {
		http.Error(w, err.Error(), syncerr.HTTPStatus(err))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, sub: sub, send: make(chan []byte, clientQueue)}
	hello, _ := json.Marshal(Message{Type: MessageHello, Timestamp: time.Now().UTC(), Area: sub.Area})
	cl.send <- hello

	// Close cancels before it takes mu, so a client registered here is
	// either seen by Close or never added.
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.clients[cl] = struct{}{}
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.Int64("user", sub.UserID), zap.String("area", string(sub.Area)), zap.Int("clients", count))

	go h.writeLoop(cl)

	// reads only detect the peer going away
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			break
		}
	}
	h.remove(cl, websocket.StatusNormalClosure, "")
}

func (h *Hub) subscriber(r *http.Request) (Subscriber, error) {
	area, err := ParseArea(r.URL.Query().Get("area"))
	if err != nil {
		return Subscriber{}, syncerr.BadRequest("%v", err)
	}
	sub := Subscriber{Area: area, Role: schema.UserGuest}

	if raw := r.URL.Query().Get("user"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Subscriber{}, syncerr.BadRequest("invalid user %q", raw)
		}
		user, err := h.users.Get(r.Context(), id)
		if err != nil {
			return Subscriber{}, err
		}
		if user.Deleted || user.Disabled {
			return Subscriber{}, syncerr.Forbidden("user %d cannot subscribe", id)
		}
		sub.UserID = user.ID
		sub.Role = user.Type
	}

	if area == AreaAdmin && sub.Role.Rank() < schema.UserModerator.Rank() {
		return Subscriber{}, syncerr.Forbidden("admin area needs a moderator")
	}
	return sub, nil
}

func (h *Hub) writeLoop(cl *client) {
	defer h.wg.Done()
	for data := range cl.send {
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := cl.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Debug("write failed", zap.Error(err))
			}
			h.remove(cl, websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (h *Hub) remove(cl *client, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	if ok {
		_ = cl.conn.Close(code, reason)
	}
}
