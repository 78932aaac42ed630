// Package server hosts the relay core: the websocket gateway that owns
// connection lifecycles, the room/invitation workflow and the message
// router, plus the HTTP surface that wires them together.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gordoly/E2EEApp/internal/chat"
	"github.com/gordoly/E2EEApp/internal/presence"
	"github.com/gordoly/E2EEApp/internal/wire"
)

// Authenticator binds an inbound connection to an already-authenticated
// identity. The relay never issues credentials itself.
type Authenticator interface {
	Identify(r *http.Request) (string, error)
}

// GatewayOptions bounds per-session resources and storage calls.
type GatewayOptions struct {
	Metrics        *relayMetrics
	SendBuffer     int
	FrameRate      float64
	FrameBurst     int
	StorageTimeout time.Duration
}

// Gateway accepts websocket connections, tracks presence, decodes inbound
// frames and dispatches them into the workflow and router services.
type Gateway struct {
	log      *zap.Logger
	registry *presence.Registry
	focus    *presence.FocusTracker
	rooms    *RoomService
	messages *MessageService
	auth     Authenticator
	metrics  *relayMetrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session

	// presenceMu orders each register/unregister with its paired presence
	// broadcast so observers never see snapshots out of order.
	presenceMu sync.Mutex

	sendBuffer     int
	frameRate      rate.Limit
	frameBurst     int
	storageTimeout time.Duration
}

// NewGateway wires the gateway's dependencies.
func NewGateway(log *zap.Logger, reg *presence.Registry, focus *presence.FocusTracker,
	rooms *RoomService, messages *MessageService, auth Authenticator, opts GatewayOptions) *Gateway {
	g := &Gateway{
		log:            log,
		registry:       reg,
		focus:          focus,
		rooms:          rooms,
		messages:       messages,
		auth:           auth,
		metrics:        opts.Metrics,
		sessions:       make(map[string]*session),
		sendBuffer:     opts.SendBuffer,
		frameRate:      rate.Limit(opts.FrameRate),
		frameBurst:     opts.FrameBurst,
		storageTimeout: opts.StorageTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = 32
	}
	if g.frameRate <= 0 {
		g.frameRate = 20
	}
	if g.frameBurst <= 0 {
		g.frameBurst = 40
	}
	if g.storageTimeout <= 0 {
		g.storageTimeout = 5 * time.Second
	}
	if messages != nil {
		messages.broadcast = g.broadcast
	}
	return g
}

// session is one open connection. It implements presence.Conn; Send never
// blocks the caller, a full buffer tears the session down instead.
type session struct {
	id       string
	username string
	ws       *websocket.Conn
	sendCh   chan wire.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
}

var errSessionClosed = errors.New("session closed")

func (s *session) Send(frame wire.Frame) error {
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	case s.sendCh <- frame:
		return nil
	default:
		s.cancel()
		return errors.New("session send buffer full")
	}
}

// ServeWS upgrades an authenticated request into a chat session. Requests
// without a valid identity binding are closed before the socket opens.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	username, err := g.auth.Identify(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	g.run(username, ws)
}

func (g *Gateway) run(username string, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       uuid.NewString(),
		username: username,
		ws:       ws,
		sendCh:   make(chan wire.Frame, g.sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		limiter:  rate.NewLimiter(g.frameRate, g.frameBurst),
	}

	g.mu.Lock()
	g.sessions[sess.id] = sess
	g.mu.Unlock()
	g.metrics.incConnection()

	g.presenceMu.Lock()
	online := g.registry.Register(username, sess)
	// Focus state belongs to the connection, not the user: a fresh connect
	// always starts unfocused, even when it replaces a live handle whose
	// cleanup has not run yet.
	g.focus.ClearFocus(username)
	g.broadcast(wire.Presence(online))
	g.presenceMu.Unlock()
	g.metrics.recordPresenceBroadcast()

	g.log.Info("user connected",
		zap.String("session_id", sess.id), zap.String("username", username))

	go g.writer(sess)
	defer g.cleanup(sess)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Warn("read failed", zap.Error(err), zap.String("session_id", sess.id))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !sess.limiter.Allow() {
			g.metrics.recordError("RATE_LIMITED")
			_ = sess.Send(wire.Response("too many requests"))
			continue
		}

		start := time.Now()
		op, err := g.dispatch(sess, data)
		g.metrics.observeLatency(op, time.Since(start))
		if err != nil {
			g.metrics.recordError(errCode(err))
			_ = sess.Send(wire.Response(chat.UserMessage(err)))
		}
	}
}

// writer pumps outbound frames onto the socket; a failed write tears the
// session down.
func (g *Gateway) writer(sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case frame := <-sess.sendCh:
			if err := sess.ws.WriteJSON(frame); err != nil {
				g.log.Warn("write failed", zap.Error(err), zap.String("session_id", sess.id))
				sess.cancel()
				return
			}
		}
	}
}

// cleanup runs on every exit path: unregister, clear focus, broadcast the
// shrunk presence snapshot, close the socket.
func (g *Gateway) cleanup(sess *session) {
	sess.cancel()

	g.mu.Lock()
	delete(g.sessions, sess.id)
	g.mu.Unlock()

	g.presenceMu.Lock()
	// A newer connection may have replaced this handle; only the current
	// holder tears the registration down.
	if cur, ok := g.registry.Lookup(sess.username); ok && cur == presence.Conn(sess) {
		online, removed := g.registry.Unregister(sess.username)
		g.focus.ClearFocus(sess.username)
		if removed {
			g.broadcast(wire.Presence(online))
			g.metrics.recordPresenceBroadcast()
		}
	}
	g.presenceMu.Unlock()

	_ = sess.ws.Close()
	g.metrics.decConnection()
	g.log.Info("user disconnected",
		zap.String("session_id", sess.id), zap.String("username", sess.username))
}

// broadcast fans a frame out to every open session, skipping any whose
// buffer is full.
func (g *Gateway) broadcast(frame wire.Frame) {
	g.mu.Lock()
	targets := make([]*session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		targets = append(targets, sess)
	}
	g.mu.Unlock()

	for _, sess := range targets {
		_ = sess.Send(frame)
	}
}

func (g *Gateway) dispatch(sess *session, data []byte) (string, error) {
	req, err := wire.Decode(data)
	if err != nil {
		var uerr *wire.UnknownTypeError
		if errors.As(err, &uerr) {
			return "unknown", chat.Reject(err, "unsupported message type")
		}
		return "unknown", chat.Reject(err, "malformed message")
	}

	ctx, cancel := context.WithTimeout(sess.ctx, g.storageTimeout)
	defer cancel()

	switch body := req.(type) {
	case *wire.CreateRoom:
		return wire.TypeCreateRoom, g.rooms.CreateRoom(ctx, sess.username, sess, body)
	case *wire.RequestRes:
		return wire.TypeRequestRes, g.rooms.RespondInvitation(ctx, sess.username, body)
	case *wire.AddMember:
		return wire.TypeAddMember, g.rooms.AddMembers(ctx, sess.username, sess, body)
	case *wire.RemoveMember:
		return wire.TypeRemoveMember, g.rooms.RemoveMember(ctx, sess.username, body.UserToRemove, body.RoomID)
	case *wire.LeaveRoom:
		return wire.TypeLeaveRoom, g.rooms.RemoveMember(ctx, sess.username, sess.username, body.RoomID)
	case *wire.JoinRoom:
		return wire.TypeJoinRoom, g.rooms.Focus(ctx, sess.username, body.RoomID)
	case *wire.SendMsg:
		return wire.TypeSendMsg, g.messages.Send(ctx, sess.username, body)
	case *wire.KeyChange:
		g.messages.NotifyKeyChange(sess.username)
		return wire.TypeKeyChange, nil
	default:
		return "unknown", chat.Reject(errors.New("unhandled request"), "unsupported message type")
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyInviteList),
		errors.Is(err, chat.ErrTooManyInvitees),
		errors.Is(err, chat.ErrMissingGroupName),
		errors.Is(err, chat.ErrSelfInvite),
		errors.Is(err, chat.ErrInvalidDecision):
		return "VALIDATION"
	case errors.Is(err, chat.ErrNotAuthorized),
		errors.Is(err, chat.ErrNotMember),
		errors.Is(err, chat.ErrNotReceiver):
		return "NOT_AUTHORIZED"
	case errors.Is(err, chat.ErrDuplicateInvite),
		errors.Is(err, chat.ErrReciprocalInvite),
		errors.Is(err, chat.ErrAlreadyDirectFriends),
		errors.Is(err, chat.ErrAlreadyMember):
		return "CONFLICT"
	case errors.Is(err, chat.ErrUnknownUser),
		errors.Is(err, chat.ErrInvitationNotFound),
		errors.Is(err, chat.ErrRoomNotFound):
		return "NOT_FOUND"
	case errors.Is(err, chat.ErrStorageUnavailable):
		return "STORAGE"
	default:
		return "INVALID_FRAME"
	}
}
