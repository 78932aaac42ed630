package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gordoly/E2EEApp/internal/chat"
	"github.com/gordoly/E2EEApp/internal/store"
)

// TokenAuthenticator resolves a bearer token carried in the X-Auth-Token
// header (or a token query parameter, for websocket clients that cannot set
// headers) against the token store. It only validates; issuance lives in the
// account service.
type TokenAuthenticator struct {
	tokens  store.TokenStore
	timeout time.Duration
}

func NewTokenAuthenticator(tokens store.TokenStore, timeout time.Duration) *TokenAuthenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TokenAuthenticator{tokens: tokens, timeout: timeout}
}

func (a *TokenAuthenticator) Identify(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	return a.tokens.UserByToken(ctx, token)
}

// apiHandler serves the REST side of the relay: draining persisted messages
// and listing invitations and rooms for the friends page.
type apiHandler struct {
	log     *zap.Logger
	auth    Authenticator
	rooms   store.RoomStore
	invites store.InvitationStore
	inbox   store.MessageStore
	timeout time.Duration
}

type messageJSON struct {
	Sender    string `json:"sender"`
	RoomID    int64  `json:"room_id"`
	Content   string `json:"content"`
	IV        string `json:"iv"`
	PublicKey string `json:"public_key"`
	SentAt    string `json:"sent_at"`
}

// Messages drains the stored fallback messages addressed to the caller in
// one room. Fetch and delete happen in a single operation, so a repeated
// request returns an empty list.
func (h *apiHandler) Messages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	username, err := h.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	roomID, err := strconv.ParseInt(r.URL.Query().Get("room_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	room, err := h.rooms.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat room not found")
			return
		}
		h.serverError(w, "load room", err)
		return
	}
	if !chat.IsMember(room, username) {
		writeError(w, http.StatusForbidden, "not a member of this chat room")
		return
	}

	msgs, err := h.inbox.DrainMessages(ctx, roomID, username)
	if err != nil {
		h.serverError(w, "drain messages", err)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			Sender:    m.Sender,
			RoomID:    m.RoomID,
			Content:   m.Content,
			IV:        m.IV,
			PublicKey: m.PublicKey,
			SentAt:    m.SentAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type invitationJSON struct {
	ID       int64  `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	RoomID   int64  `json:"room_id"`
	RoomType bool   `json:"room_type"`
	Status   int    `json:"status"`
}

type friendJSON struct {
	Username string `json:"username"`
	RoomID   int64  `json:"room_id"`
}

type groupJSON struct {
	RoomID  int64    `json:"room_id"`
	Name    string   `json:"name"`
	Owner   string   `json:"owner"`
	Members []string `json:"members"`
}

// Friends lists the caller's received and sent invitations, their direct
// friends (the other member of each two-person direct room) and their group
// chats.
func (h *apiHandler) Friends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	username, err := h.auth.Identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	received, err := h.invites.InvitationsByReceiver(ctx, username)
	if err != nil {
		h.serverError(w, "list received", err)
		return
	}
	sent, err := h.invites.InvitationsBySender(ctx, username)
	if err != nil {
		h.serverError(w, "list sent", err)
		return
	}

	directRooms, err := h.rooms.RoomsWithMember(ctx, username, chat.KindDirect)
	if err != nil {
		h.serverError(w, "list direct rooms", err)
		return
	}
	friends := make([]friendJSON, 0, len(directRooms))
	for _, room := range directRooms {
		if len(room.Members) < 2 {
			continue
		}
		for _, member := range room.Members {
			if member != username {
				friends = append(friends, friendJSON{Username: member, RoomID: room.ID})
				break
			}
		}
	}

	groupRooms, err := h.rooms.RoomsWithMember(ctx, username, chat.KindGroup)
	if err != nil {
		h.serverError(w, "list group rooms", err)
		return
	}
	groups := make([]groupJSON, 0, len(groupRooms))
	for _, room := range groupRooms {
		groups = append(groups, groupJSON{
			RoomID:  room.ID,
			Name:    room.Name,
			Owner:   room.Owner,
			Members: room.Members,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received_requests": toInvitationJSON(received),
		"sent_requests":     toInvitationJSON(sent),
		"friends":           friends,
		"group_chats":       groups,
	})
}

func (h *apiHandler) serverError(w http.ResponseWriter, op string, err error) {
	h.log.Warn("api request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "the server could not complete the request")
}

func toInvitationJSON(invs []chat.Invitation) []invitationJSON {
	out := make([]invitationJSON, 0, len(invs))
	for _, inv := range invs {
		out = append(out, invitationJSON{
			ID:       inv.ID,
			Sender:   inv.Sender,
			Receiver: inv.Receiver,
			RoomID:   inv.RoomID,
			RoomType: inv.Kind == chat.KindGroup,
			Status:   int(inv.Status),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
