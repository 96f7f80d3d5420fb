package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pockode/codexbridge/logger"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/session"
	"github.com/pockode/codexbridge/settings"
	"github.com/pockode/codexbridge/watch"
	"github.com/sourcegraph/jsonrpc2"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token         string
	version       string
	workDir       string
	devMode       bool
	manager       *process.Manager
	sessionStore  session.Store
	settingsStore *settings.Store

	messagesWatcher *watch.MessagesWatcher
	listWatcher     *watch.ConversationListWatcher
	settingsWatcher *watch.SettingsWatcher
}

// NewRPCHandler wires the watchers to their sources and starts them.
func NewRPCHandler(token, version, workDir string, devMode bool, manager *process.Manager, store session.Store, settingsStore *settings.Store) *RPCHandler {
	messagesWatcher := watch.NewMessagesWatcher(store)
	listWatcher := watch.NewConversationListWatcher(store, manager)
	settingsWatcher := watch.NewSettingsWatcher(settingsStore)

	manager.SetMessageListener(messagesWatcher)
	manager.SetOnStateChange(listWatcher.NotifyProcessStateChange)

	messagesWatcher.Start()
	listWatcher.Start()
	settingsWatcher.Start()

	return &RPCHandler{
		token:           token,
		version:         version,
		workDir:         workDir,
		devMode:         devMode,
		manager:         manager,
		sessionStore:    store,
		settingsStore:   settingsStore,
		messagesWatcher: messagesWatcher,
		listWatcher:     listWatcher,
		settingsWatcher: settingsWatcher,
	}
}

// ListConversations returns every conversation with its process state.
func (h *RPCHandler) ListConversations(ctx context.Context) ([]rpc.ConversationListItem, error) {
	return h.listWatcher.List(ctx)
}

// Stop stops the RPC handler and releases resources.
func (h *RPCHandler) Stop() {
	h.messagesWatcher.Stop()
	h.listWatcher.Stop()
	h.settingsWatcher.Stop()
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := newWebSocketStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID: connID,
		log:    log,
	}

	handler := &rpcMethodHandler{
		RPCHandler:    h,
		state:         state,
		log:           log,
		authenticated: false,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup()
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu            sync.Mutex
	connID        string
	conn          *jsonrpc2.Conn
	notifier      *JSONRPCNotifier
	log           *slog.Logger
	subscriptions map[string]watch.Watcher // subID → watcher for cleanup
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.notifier = NewJSONRPCNotifier(conn)
	s.subscriptions = make(map[string]watch.Watcher)
	s.mu.Unlock()
}

func (s *rpcConnState) getNotifier() watch.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifier
}

func (s *rpcConnState) trackSubscription(id string, watcher watch.Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions == nil {
		// Connection already cleaned up.
		watcher.Unsubscribe(id)
		return
	}
	s.subscriptions[id] = watcher
}

func (s *rpcConnState) untrackSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
}

func (s *rpcConnState) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

func (s *rpcConnState) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, watcher := range s.subscriptions {
		watcher.Unsubscribe(id)
	}
	s.subscriptions = nil
}

type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	// conversation namespace
	case "conversation.create":
		h.handleConversationCreate(ctx, conn, req)
	case "conversation.list":
		h.handleConversationList(ctx, conn, req)
	case "conversation.delete":
		h.handleConversationDelete(ctx, conn, req)
	case "conversation.update_title":
		h.handleConversationUpdateTitle(ctx, conn, req)
	case "conversation.message":
		h.handleConversationMessage(ctx, conn, req)
	case "conversation.subscribe":
		h.handleConversationSubscribe(ctx, conn, req)
	case "conversation.unsubscribe":
		h.handleWatcherUnsubscribe(ctx, conn, req, h.messagesWatcher, "conversation")
	case "conversation.list.subscribe":
		h.handleConversationListSubscribe(ctx, conn, req)
	case "conversation.list.unsubscribe":
		h.handleWatcherUnsubscribe(ctx, conn, req, h.listWatcher, "conversation list")
	// permission namespace
	case "permission.list":
		h.handlePermissionList(ctx, conn, req)
	case "permission.respond":
		h.handlePermissionRespond(ctx, conn, req)
	// settings namespace
	case "settings.get":
		h.handleSettingsGet(ctx, conn, req)
	case "settings.update":
		h.handleSettingsUpdate(ctx, conn, req)
	case "settings.subscribe":
		h.handleSettingsSubscribe(ctx, conn, req)
	case "settings.unsubscribe":
		h.handleWatcherUnsubscribe(ctx, conn, req, h.settingsWatcher, "settings")
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.log.Info("authenticated")

	result := rpc.AuthResult{
		Version: h.version,
		WorkDir: h.workDir,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

func (h *rpcMethodHandler) handleWatcherUnsubscribe(
	ctx context.Context,
	conn *jsonrpc2.Conn,
	req *jsonrpc2.Request,
	watcher watch.Watcher,
	logName string,
) {
	var params rpc.UnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "id is required")
		return
	}

	watcher.Unsubscribe(params.ID)
	h.state.untrackSubscription(params.ID)
	h.log.Debug("unsubscribed", "watcher", logName, "watchId", params.ID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send "+logName+" unsubscribe response", "error", err)
	}
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
