package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/worktreehq/worktree/pkg/auth"
	"github.com/worktreehq/worktree/pkg/history"
	"github.com/worktreehq/worktree/pkg/op"
	"github.com/worktreehq/worktree/pkg/realtime"
)

// Server wires the HTTP routes to their collaborators.
type Server struct {
	users   *auth.Store
	history *history.Manager
	hub     *realtime.Hub
	tokens  *auth.TokenManager
	log     *slog.Logger
	limiter *RateLimiter
}

// NewServer builds the HTTP surface. limiter may be nil to disable
// rate limiting (tests).
func NewServer(users *auth.Store, hm *history.Manager, hub *realtime.Hub,
	tokens *auth.TokenManager, log *slog.Logger, limiter *RateLimiter) *Server {
	return &Server{
		users:   users,
		history: hm,
		hub:     hub,
		tokens:  tokens,
		log:     log,
		limiter: limiter,
	}
}

// Handler returns the fully routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /public/health/{$}", s.handleHealth)
	mux.HandleFunc("POST /public/register/{$}", s.handleRegister)
	mux.HandleFunc("POST /public/login/{$}", s.handleLogin)

	authed := auth.Middleware(s.tokens, WriteUnauthorized)
	mux.Handle("GET /history/length/{$}", authed(http.HandlerFunc(s.handleLength)))
	mux.Handle("GET /history/operations/{$}", authed(http.HandlerFunc(s.handleOperations)))
	mux.Handle("GET /history/hashcodes/{$}", authed(http.HandlerFunc(s.handleHashcodes)))
	mux.Handle("POST /history/overwrite/{$}", authed(http.HandlerFunc(s.handleOverwrite)))

	// The websocket handler authenticates on its own from the token
	// query parameter.
	mux.Handle("/ws", s.hub)

	if s.limiter == nil {
		return mux
	}
	return s.limiter.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Server running"))
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "missing fields")
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, "missing username or password")
		return
	}

	_, err := s.users.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidUsername):
		WriteBadRequest(w, "invalid username")
	case errors.Is(err, auth.ErrInvalidPassword):
		WriteBadRequest(w, "invalid password")
	case errors.Is(err, auth.ErrNameTaken):
		WriteBadRequest(w, "The username already exists")
	case err != nil:
		s.log.Error("api: register failed", "error", err)
		WriteInternal(w)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "missing fields")
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, "missing fields")
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrBadCredentials) {
		WriteUnauthorized(w, "wrong username or password")
		return
	}
	if err != nil {
		s.log.Error("api: login failed", "error", err)
		WriteInternal(w)
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.log.Error("api: token issue failed", "error", err)
		WriteInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":      user.ID,
		"access_token": token,
	})
}

// handleLength reports the chain length: the head serial, or 0 for an
// empty chain.
func (s *Server) handleLength(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	head, err := s.history.GetHeadNode(r.Context(), userID)
	if err != nil && !errors.Is(err, history.ErrNoMetadata) {
		s.log.Error("api: head read failed", "user_id", userID, "error", err)
		WriteInternal(w)
		return
	}
	var length int64
	if head != nil {
		length = head.SerialNum
	}
	writeJSON(w, http.StatusOK, map[string]int64{"length": length})
}

type serialNumsRequest struct {
	SerialNums []int64 `json:"serial_nums"`
}

func (s *Server) serialNums(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	var req serialNumsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid format")
		return nil, false
	}
	if req.SerialNums == nil {
		WriteBadRequest(w, "Missing fields.")
		return nil, false
	}
	return req.SerialNums, true
}

// handleOperations returns the canonical operation strings for the
// requested serials, ascending. Unknown serials are skipped.
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	serials, ok := s.serialNums(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserFromContext(r.Context())

	entries, err := s.history.GetBySerialNums(r.Context(), userID, serials)
	if err != nil {
		s.log.Error("api: operations read failed", "user_id", userID, "error", err)
		WriteInternal(w)
		return
	}
	operations := make([]string, 0, len(entries))
	for _, e := range entries {
		operations = append(operations, e.Operation)
	}
	writeJSON(w, http.StatusOK, operations)
}

// handleHashcodes is handleOperations for the chain hashes.
func (s *Server) handleHashcodes(w http.ResponseWriter, r *http.Request) {
	serials, ok := s.serialNums(w, r)
	if !ok {
		return
	}
	userID, _ := auth.UserFromContext(r.Context())

	entries, err := s.history.GetBySerialNums(r.Context(), userID, serials)
	if err != nil {
		s.log.Error("api: hashcodes read failed", "user_id", userID, "error", err)
		WriteInternal(w)
		return
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.HistoryHash)
	}
	writeJSON(w, http.StatusOK, hashes)
}

type overwriteRequest struct {
	StartingSerialNum *int64   `json:"starting_serial_num"`
	Operations        []string `json:"operations"`
}

// handleOverwrite rebases the caller's chain tail: the entries from
// starting_serial_num onward are replaced with the given operations and
// every live connection of the user is forced to resynchronize.
func (s *Server) handleOverwrite(w http.ResponseWriter, r *http.Request) {
	var req overwriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid format")
		return
	}
	if req.StartingSerialNum == nil || req.Operations == nil {
		WriteBadRequest(w, "Missing fields.")
		return
	}
	if *req.StartingSerialNum < 1 {
		WriteBadRequest(w, "starting_serial_num must be positive")
		return
	}

	ops := make([]op.Operation, 0, len(req.Operations))
	for _, raw := range req.Operations {
		operation, err := op.Parse(raw)
		if err != nil {
			WriteBadRequest(w, "invalid operation")
			return
		}
		ops = append(ops, operation)
	}

	userID, _ := auth.UserFromContext(r.Context())
	if err := s.hub.Overwrite(r.Context(), userID, *req.StartingSerialNum, ops); err != nil {
		if errors.Is(err, history.ErrNoPredecessor) {
			WriteBadRequest(w, "starting_serial_num has no predecessor")
			return
		}
		s.log.Error("api: overwrite failed", "user_id", userID, "error", err)
		WriteInternal(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}
