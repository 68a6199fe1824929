package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/auth"
	"github.com/TalHibner/llmcourse-hw7-mcp-evenodd-league-agents/internal/protocol"
)

// JSON-RPC 2.0 error codes, plus two implementation-defined codes for auth.
const (
	codeParse         = -32700
	codeInvalidParams = -32602
	codeNotFound      = -32601
	codeInternal      = -32000
	codeAuthMissing   = -32001
	codeAuthInvalid   = -32002
)

// Handler processes one decoded message and returns the result payload.
type Handler func(ctx context.Context, env protocol.Envelope, msg protocol.Message) (any, error)

// AuthFunc authenticates an inbound envelope. It is only consulted for
// message types that require a token.
type AuthFunc func(env protocol.Envelope) error

// HandlerError carries a wire error code from a handler to the caller.
type HandlerError struct {
	ErrorCode string
	Message   string
}

func (e *HandlerError) Error() string { return e.ErrorCode + ": " + e.Message }

// Errorf builds a HandlerError.
func Errorf(code, format string, args ...any) *HandlerError {
	return &HandlerError{ErrorCode: code, Message: fmt.Sprintf(format, args...)}
}

// RawHandler processes a method whose params are not a league message,
// such as the administrative start_league trigger.
type RawHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Server hosts an agent's /mcp endpoint. League messages are dispatched by
// message type; the JSON-RPC method name is informational for those.
// Administrative methods registered with HandleMethod are dispatched by
// method name before message decoding.
type Server struct {
	router      *mux.Router
	logger      *slog.Logger
	authFn      AuthFunc
	handlers    map[protocol.MessageType]Handler
	rawHandlers map[string]RawHandler
}

// NewServer creates a server with the /mcp and /health routes wired.
// authFn may be nil to accept all authenticated message types unchecked.
func NewServer(logger *slog.Logger, authFn AuthFunc) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		authFn:      authFn,
		handlers:    make(map[protocol.MessageType]Handler),
		rawHandlers: make(map[string]RawHandler),
	}
	s.router.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Handle registers the handler for one message type.
func (s *Server) Handle(t protocol.MessageType, h Handler) {
	s.handlers[t] = h
}

// HandleMethod registers a handler keyed by JSON-RPC method name.
func (s *Server) HandleMethod(method string, h RawHandler) {
	s.rawHandlers[method] = h
}

// Router exposes the underlying router so agents can add admin routes.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, nil, codeParse, "cannot read request body", "")
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, codeParse, "invalid JSON-RPC request", "")
		return
	}
	id := idOf(req.ID)

	if raw, ok := s.rawHandlers[req.Method]; ok {
		s.dispatchRaw(w, r, id, req.Method, raw, req.Params)
		return
	}

	env, msg, err := protocol.Decode(req.Params)
	if err != nil {
		s.logger.Warn("MESSAGE_REJECTED", slog.String("reason", err.Error()))
		writeError(w, id, codeInvalidParams, err.Error(), protocol.CodeProtocolError)
		return
	}

	log := s.logger.With(
		slog.String("message_type", string(env.MessageType)),
		slog.String("sender", env.Sender),
		slog.String("conversation_id", env.ConversationID),
	)

	if env.RequiresToken() && s.authFn != nil {
		if err := s.authFn(env); err != nil {
			code, wireCode := codeAuthInvalid, protocol.CodeAuthTokenInvalid
			if errors.Is(err, auth.ErrTokenMissing) {
				code, wireCode = codeAuthMissing, protocol.CodeAuthTokenMissing
			}
			log.Warn("AUTH_REJECTED", slog.String("error_code", wireCode))
			writeError(w, id, code, err.Error(), wireCode)
			return
		}
	}

	h, ok := s.handlers[env.MessageType]
	if !ok {
		log.Warn("NO_HANDLER")
		writeError(w, id, codeNotFound, fmt.Sprintf("unsupported message type %s", env.MessageType), protocol.CodeProtocolError)
		return
	}

	log.Debug("MESSAGE_RECEIVED")
	result, err := h(r.Context(), env, msg)
	if err != nil {
		var he *HandlerError
		if errors.As(err, &he) {
			writeError(w, id, codeInternal, he.Message, he.ErrorCode)
			return
		}
		log.Error("HANDLER_FAILED", slog.String("error", err.Error()))
		writeError(w, id, codeInternal, "internal error", "")
		return
	}
	writeResult(w, id, result)
}

func (s *Server) dispatchRaw(w http.ResponseWriter, r *http.Request, id json.RawMessage, method string, h RawHandler, params json.RawMessage) {
	s.logger.Debug("METHOD_RECEIVED", slog.String("method", method))
	result, err := h(r.Context(), params)
	if err != nil {
		var he *HandlerError
		if errors.As(err, &he) {
			writeError(w, id, codeInternal, he.Message, he.ErrorCode)
			return
		}
		s.logger.Error("HANDLER_FAILED",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		writeError(w, id, codeInternal, "internal error", "")
		return
	}
	writeResult(w, id, result)
}

func idOf(id int64) json.RawMessage {
	raw, _ := json.Marshal(id)
	return raw
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeError(w, id, codeInternal, "cannot marshal result", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", Result: raw, ID: id})
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message, wireCode string) {
	var data json.RawMessage
	if wireCode != "" {
		data, _ = json.Marshal(map[string]string{"error_code": wireCode})
	}
	if id == nil {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
