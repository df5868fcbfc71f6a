// Package realtime implements the sync protocol: per-user rooms of
// live websocket connections exchanging update frames. Every accepted
// operation is applied to the cached tree, appended to the history
// chain and echoed to the whole room — the echo is the only commit
// channel, for the sender included.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/worktreehq/worktree/pkg/history"
	"github.com/worktreehq/worktree/pkg/keylock"
	"github.com/worktreehq/worktree/pkg/loader"
	"github.com/worktreehq/worktree/pkg/observability"
	"github.com/worktreehq/worktree/pkg/op"
	"github.com/worktreehq/worktree/pkg/tree"
)

// TokenVerifier resolves an access token to a verified userId.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// conn is one live connection. Gorilla allows a single concurrent
// writer, so every write goes through the mutex.
type conn struct {
	ws     *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	c.mu.Unlock()
	_ = c.ws.Close()
}

type room struct {
	conns map[*conn]struct{}
	// ready is closed once the creating connection finished hydrating
	// the tree cache; hydrateErr is written before the close.
	ready      chan struct{}
	hydrateErr error
}

// Hub owns the room registry and the message state machine.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room

	cache   *loader.Cache
	history *history.Manager
	locks   *keylock.KeyLock
	tokens  TokenVerifier
	log     *slog.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader
}

// NewHub wires the hub to its collaborators.
func NewHub(cache *loader.Cache, hm *history.Manager, locks *keylock.KeyLock,
	tokens TokenVerifier, log *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		cache:   cache,
		history: hm,
		locks:   locks,
		tokens:  tokens,
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, authenticates it, joins its
// user's room and runs the message loop until disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("realtime: upgrade failed", "error", err)
		return
	}

	userID, err := h.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		c := &conn{ws: ws}
		c.close(closeAuthFailed, "authentication failed")
		h.log.Info("realtime: authentication failed")
		return
	}

	c := &conn{ws: ws, userID: userID}
	ctx := r.Context()
	if err := h.join(ctx, c); err != nil {
		h.log.Error("realtime: join failed", "user_id", userID, "error", err)
		c.close(websocket.CloseInternalServerErr, "join failed")
		return
	}
	h.metrics.ConnectionOpened(ctx)
	h.log.Info("realtime: connection joined", "user_id", userID)

	defer func() {
		h.leave(c)
		h.metrics.ConnectionClosed(context.Background())
		h.log.Info("realtime: connection left", "user_id", userID)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(ctx, c, raw)
	}
}

// join admits a connection to its user's room. Whoever creates the
// room rehydrates the tree cache (Reload serializes itself on the
// user's lock); everyone else waits for that hydration, so every
// admitted connection sees a warm cache.
func (h *Hub) join(ctx context.Context, c *conn) error {
	for {
		h.mu.Lock()
		rm, ok := h.rooms[c.userID]
		if !ok {
			rm = &room{conns: make(map[*conn]struct{}), ready: make(chan struct{})}
			h.rooms[c.userID] = rm
		}
		h.mu.Unlock()

		if !ok {
			rm.hydrateErr = h.cache.Reload(ctx, c.userID)
			close(rm.ready)
		} else {
			select {
			case <-rm.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rm.hydrateErr != nil {
			h.mu.Lock()
			if h.rooms[c.userID] == rm && len(rm.conns) == 0 {
				delete(h.rooms, c.userID)
			}
			h.mu.Unlock()
			return rm.hydrateErr
		}

		h.mu.Lock()
		if h.rooms[c.userID] != rm {
			// The room emptied and was torn down while we waited;
			// start over with a fresh hydration.
			h.mu.Unlock()
			continue
		}
		rm.conns[c] = struct{}{}
		h.mu.Unlock()
		return nil
	}
}

// leave removes a connection from its room. The empty check and the
// cache eviction happen in one critical section: a racing join either
// finds the room intact or finds room and cache both gone.
func (h *Hub) leave(c *conn) {
	h.mu.Lock()
	if rm, ok := h.rooms[c.userID]; ok {
		if _, member := rm.conns[c]; member {
			delete(rm.conns, c)
			if len(rm.conns) == 0 {
				delete(h.rooms, c.userID)
				h.cache.Cleanup(c.userID)
			}
		}
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

func (h *Hub) members(userID string) []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[userID]
	if !ok {
		return nil
	}
	members := make([]*conn, 0, len(rm.conns))
	for member := range rm.conns {
		members = append(members, member)
	}
	return members
}

// handleMessage runs one update frame through the commit pipeline:
// parse, fence, apply, persist, broadcast — all under the user's lock.
func (h *Hub) handleMessage(ctx context.Context, c *conn, raw []byte) {
	if err := h.locks.Acquire(ctx, c.userID); err != nil {
		return
	}
	defer h.locks.Release(c.userID)

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		_ = c.send(errorFrame("malformed frame"))
		return
	}
	if frame.Action != actionUpdate {
		_ = c.send(errorFrame("unknown action"))
		return
	}
	if frame.Operation == "" || frame.ExpectedSerialNum == nil {
		_ = c.send(errorFrame("missing fields"))
		return
	}

	head, err := h.history.GetHeadNode(ctx, c.userID)
	if err != nil && !errors.Is(err, history.ErrNoMetadata) {
		h.log.Error("realtime: head read failed", "user_id", c.userID, "error", err)
		_ = c.send(errorFrame("history unavailable"))
		return
	}
	var headSerial int64
	if head != nil {
		headSerial = head.SerialNum
	}

	// Fencing: a mismatched serial is a stale or duplicated client
	// message, not an error. Drop it silently.
	if *frame.ExpectedSerialNum != headSerial+1 {
		h.log.Debug("realtime: stale update dropped",
			"user_id", c.userID, "expected", *frame.ExpectedSerialNum, "head", headSerial)
		return
	}

	operation, err := op.Parse(frame.Operation)
	if err != nil {
		_ = c.send(errorFrame("invalid operation"))
		return
	}

	if code := h.cache.PushOperation(operation, c.userID); code != tree.OK {
		h.metrics.OperationRejected(ctx)
		_ = c.send(errorFrame("operation failed"))
		return
	}

	entry, err := h.history.InsertAtHead(ctx, operation, c.userID)
	if err != nil {
		// The cached tree has advanced past the chain; fatal for this
		// operation, surfaced to the sender.
		h.log.Error("realtime: persist failed", "user_id", c.userID, "error", err)
		_ = c.send(errorFrame("failed to store operation"))
		return
	}

	h.metrics.OperationApplied(ctx, string(operation.Type()))
	h.broadcast(ctx, c.userID, UpdateFrame{
		Action:    actionUpdate,
		Operation: entry.Operation,
		SerialNum: entry.SerialNum,
	})
}

func (h *Hub) broadcast(ctx context.Context, userID string, frame UpdateFrame) {
	for _, member := range h.members(userID) {
		if err := member.send(frame); err != nil {
			h.log.Warn("realtime: broadcast write failed", "user_id", userID, "error", err)
		}
	}
	h.metrics.Broadcast(ctx)
}

// Overwrite is the administrative rebase path: replace the chain tail
// under the user's lock, then force every live connection to
// reconnect, then rebuild the cache. Connections are closed only after
// the lock is released so none of them dies while queued behind it.
func (h *Hub) Overwrite(ctx context.Context, userID string, startingSerial int64, ops []op.Operation) error {
	if err := h.locks.Acquire(ctx, userID); err != nil {
		return err
	}
	err := h.history.Overwrite(ctx, userID, startingSerial, ops)
	h.locks.Release(userID)
	if err != nil {
		return err
	}

	for _, member := range h.members(userID) {
		member.close(websocket.CloseGoingAway, "history overwritten")
	}

	// Rebuild proactively so the cache is consistent even before the
	// next join. A failed rebuild must not leave the pre-overwrite tree
	// installed.
	if err := h.cache.Reload(ctx, userID); err != nil {
		h.cache.Cleanup(userID)
		return err
	}
	return nil
}
