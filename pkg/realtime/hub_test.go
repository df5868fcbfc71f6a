package realtime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worktreehq/worktree/pkg/auth"
	"github.com/worktreehq/worktree/pkg/history"
	"github.com/worktreehq/worktree/pkg/keylock"
	"github.com/worktreehq/worktree/pkg/loader"
	"github.com/worktreehq/worktree/pkg/observability"
	"github.com/worktreehq/worktree/pkg/op"
	"github.com/worktreehq/worktree/pkg/realtime"
	"github.com/worktreehq/worktree/pkg/tree"
)

const testUser = "user-alice"

type harness struct {
	server  *httptest.Server
	manager *history.Manager
	cache   *loader.Cache
	hub     *realtime.Hub
	tokens  *auth.TokenManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, dialect, err := history.Open(filepath.Join(t.TempDir(), "realtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, history.Migrate(ctx, db, dialect))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := history.NewManager(db, dialect, log)
	require.NoError(t, manager.Provision(ctx, testUser))

	locks := keylock.New()
	cache := loader.NewCache(manager, locks, log)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	hub := realtime.NewHub(cache, manager, locks, tokens, log, observability.NopMetrics())

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &harness{server: server, manager: manager, cache: cache, hub: hub, tokens: tokens}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	token, err := h.tokens.Issue(testUser)
	require.NoError(t, err)
	return h.dialToken(t, token)
}

func (h *harness) dialToken(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendUpdate(t *testing.T, ws *websocket.Conn, operation string, expected int64) {
	t.Helper()
	frame := map[string]any{
		"action":              "update",
		"operation":           operation,
		"expected_serial_num": expected,
	}
	require.NoError(t, ws.WriteJSON(frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func assertNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var frame map[string]any
	err := ws.ReadJSON(&frame)
	require.Error(t, err, "expected no frame, got %v", frame)
}

func addOpString(t *testing.T, name, id string) string {
	t.Helper()
	encoded, err := op.Operation{Payload: op.AddNode{
		ParentNodeID: tree.RootID(),
		NewNodeName:  name,
		NewNodeID:    id,
	}}.Canonical()
	require.NoError(t, err)
	return encoded
}

func TestUpdate_BroadcastToWholeRoom(t *testing.T) {
	h := newHarness(t)
	sender := h.dial(t)
	watcher := h.dial(t)

	operation := addOpString(t, "groceries", "g1")
	sendUpdate(t, sender, operation, 1)

	for _, ws := range []*websocket.Conn{sender, watcher} {
		frame := readFrame(t, ws)
		assert.Equal(t, "update", frame["action"])
		assert.Equal(t, operation, frame["operation"])
		assert.Equal(t, float64(1), frame["serial_num"])
	}

	// The echo is the commit: the ledger has the entry.
	head, err := h.manager.GetHeadNode(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, int64(1), head.SerialNum)
	assert.Equal(t, operation, head.Operation)
}

func TestUpdate_SequentialSerials(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	sendUpdate(t, ws, addOpString(t, "a", "a1"), 1)
	frame := readFrame(t, ws)
	assert.Equal(t, float64(1), frame["serial_num"])

	sendUpdate(t, ws, addOpString(t, "b", "b1"), 2)
	frame = readFrame(t, ws)
	assert.Equal(t, float64(2), frame["serial_num"])
}

func TestUpdate_StaleSerialSilentlyDropped(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	// Wrong fence: neither an update nor an error comes back.
	sendUpdate(t, ws, addOpString(t, "a", "a1"), 5)
	assertNoFrame(t, ws)

	// The connection is still usable with the right fence.
	sendUpdate(t, ws, addOpString(t, "a", "a1"), 1)
	frame := readFrame(t, ws)
	assert.Equal(t, "update", frame["action"])
}

func TestUpdate_ErrorFrames(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		message string
	}{
		{"malformed json", `{nope`, "malformed frame"},
		{"unknown action", `{"action":"subscribe"}`, "unknown action"},
		{"missing operation", `{"action":"update","expected_serial_num":1}`, "missing fields"},
		{"missing fence", `{"action":"update","operation":"{}"}`, "missing fields"},
		{"invalid operation", `{"action":"update","operation":"{\"op_type\":\"bad\"}","expected_serial_num":1}`, "invalid operation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ws := h.dial(t)
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tc.raw)))
			frame := readFrame(t, ws)
			assert.Equal(t, "error", frame["action"])
			assert.Equal(t, tc.message, frame["message"])
		})
	}
}

func TestUpdate_RejectedOperationGetsErrorFrame(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	sendUpdate(t, ws, addOpString(t, "dup", "d1"), 1)
	frame := readFrame(t, ws)
	require.Equal(t, "update", frame["action"])

	// Same sibling name again: the tree rejects, nothing is persisted.
	sendUpdate(t, ws, addOpString(t, "dup", "d2"), 2)
	frame = readFrame(t, ws)
	assert.Equal(t, "error", frame["action"])
	assert.Equal(t, "operation failed", frame["message"])

	head, err := h.manager.GetHeadNode(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.SerialNum)
}

func TestAuthFailure_ClosesWithPolicyCode(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=garbage"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "the upgrade itself succeeds; the close is in-protocol")
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4001, closeErr.Code)
}

func TestDisconnect_EvictsCachedTree(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	sendUpdate(t, ws, addOpString(t, "a", "a1"), 1)
	readFrame(t, ws)
	require.NotNil(t, h.cache.Tree(testUser))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return h.cache.Tree(testUser) == nil
	}, 2*time.Second, 10*time.Millisecond, "empty room must drop the cached tree")
}

func TestOverwrite_RebasesAndDisconnectsRoom(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		sendUpdate(t, ws, addOpString(t, fmt.Sprintf("n%d", i), fmt.Sprintf("id%d", i)), int64(i))
		readFrame(t, ws)
	}

	replacement := []op.Operation{
		{Payload: op.AddNode{ParentNodeID: tree.RootID(), NewNodeName: "rebased", NewNodeID: "r1"}},
	}
	require.NoError(t, h.hub.Overwrite(ctx, testUser, 2, replacement))

	// The live connection is force-closed.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	head, err := h.manager.GetHeadNode(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.SerialNum)
	require.NoError(t, h.manager.VerifyChain(ctx, testUser))

	// A fresh session sees the rebased tree.
	ws2 := h.dial(t)
	sendUpdate(t, ws2, addOpString(t, "after", "a9"), 3)
	frame := readFrame(t, ws2)
	assert.Equal(t, "update", frame["action"])
}

func TestRejoinAfterLeave_SessionStaysWritable(t *testing.T) {
	h := newHarness(t)

	ws := h.dial(t)
	sendUpdate(t, ws, addOpString(t, "first", "f1"), 1)
	readFrame(t, ws)
	require.NoError(t, ws.Close())

	// Rejoin immediately, racing the previous connection's teardown.
	// The fresh session must be rehydrated and stay writable: an
	// eviction landing after the rejoin would make every update fail.
	for i := 0; i < 5; i++ {
		next := h.dial(t)
		operation := addOpString(t, fmt.Sprintf("cycle%d", i), fmt.Sprintf("c%d", i))
		sendUpdate(t, next, operation, int64(i+2))
		frame := readFrame(t, next)
		assert.Equal(t, "update", frame["action"], "rejoined session must accept updates")
		assert.Equal(t, float64(i+2), frame["serial_num"])
		require.NoError(t, next.Close())
	}
}

func TestOverwrite_UnreplayableChainEvictsCache(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ctx := context.Background()

	sendUpdate(t, ws, addOpString(t, "a", "a1"), 1)
	readFrame(t, ws)

	// The replacement parses but cannot replay: it completes a node
	// that never exists. The rebase lands in the ledger, the rebuild
	// fails, and the stale pre-overwrite tree must not stay cached.
	bad := []op.Operation{{Payload: op.CompleteNode{NodeID: "missing"}}}
	err := h.hub.Overwrite(ctx, testUser, 1, bad)
	require.ErrorIs(t, err, loader.ErrDataDamage)
	assert.Nil(t, h.cache.Tree(testUser), "failed rebuild must evict the cached tree")
}

func TestClientFrame_MissingFenceDistinctFromZero(t *testing.T) {
	var frame realtime.ClientFrame
	require.NoError(t, json.Unmarshal([]byte(`{"action":"update","operation":"{}"}`), &frame))
	assert.Nil(t, frame.ExpectedSerialNum)

	require.NoError(t, json.Unmarshal([]byte(`{"action":"update","operation":"{}","expected_serial_num":0}`), &frame))
	require.NotNil(t, frame.ExpectedSerialNum)
	assert.Equal(t, int64(0), *frame.ExpectedSerialNum)
}
