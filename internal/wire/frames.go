// Package wire defines the JSON frames exchanged with clients. Every frame
// is an object {type, content}; inbound frames are decoded into one typed
// request per tag, outbound frames are built through constructors so the
// payload shapes stay in one place.
package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound frame tags.
const (
	TypeCreateRoom   = "create_room"
	TypeRequestRes   = "request_res"
	TypeAddMember    = "add_member"
	TypeRemoveMember = "remove_member"
	TypeLeaveRoom    = "remove_room_member"
	TypeJoinRoom     = "join_room"
	TypeSendMsg      = "send_msg"
	TypeKeyChange    = "pk_key_change"
)

// Outbound frame tags.
const (
	TypeBroadcast     = "broadcast"
	TypeResponse      = "response"
	TypeNewRequest    = "new_request"
	TypeRequestUpdate = "request_update"
	TypeNewMsg        = "new_msg"
	TypeUpdateMembers = "update_members"
	TypeUpdateKey     = "update_key"
)

// Frame is the envelope for both directions.
type Frame struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
}

// CreateRoom asks to create a room and invite receivers. RoomType is true
// for a group chat, false for a direct chat (the group name is then unused).
type CreateRoom struct {
	Receivers []string `json:"receivers"`
	RoomType  bool     `json:"room_type"`
	GroupName string   `json:"group_name"`
}

// RequestRes answers a pending invitation: status 1 accepts, 0 declines.
type RequestRes struct {
	RequestID int64 `json:"request_id"`
	Status    int   `json:"status"`
}

// AddMember invites more users into an existing group room.
type AddMember struct {
	RoomID     int64    `json:"room_id"`
	UsersToAdd []string `json:"users_to_add"`
}

// RemoveMember removes one user from a group room.
type RemoveMember struct {
	RoomID       int64  `json:"room_id"`
	UserToRemove string `json:"user_to_remove"`
}

// LeaveRoom removes the requesting user from a room.
type LeaveRoom struct {
	RoomID int64 `json:"room_id"`
}

// JoinRoom marks the room the requesting user is now viewing.
type JoinRoom struct {
	RoomID int64 `json:"room_id"`
}

// SendMsg carries one encrypted message for a single receiver. Message is
// ciphertext and IV its initialization vector; neither is interpreted.
type SendMsg struct {
	RoomID   int64  `json:"room_id"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	IV       string `json:"iv"`
}

// KeyChange announces that the requesting user rotated their public key.
// It has no content.
type KeyChange struct{}

// UnknownTypeError reports an inbound frame whose tag is not recognised.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// Decode parses one inbound frame and returns the typed request for its tag.
// Unknown tags and malformed content are both errors; the caller answers
// them with a response frame rather than dropping the connection.
func Decode(data []byte) (any, error) {
	var env struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	var req any
	switch env.Type {
	case TypeCreateRoom:
		req = &CreateRoom{}
	case TypeRequestRes:
		req = &RequestRes{}
	case TypeAddMember:
		req = &AddMember{}
	case TypeRemoveMember:
		req = &RemoveMember{}
	case TypeLeaveRoom:
		req = &LeaveRoom{}
	case TypeJoinRoom:
		req = &JoinRoom{}
	case TypeSendMsg:
		req = &SendMsg{}
	case TypeKeyChange:
		return &KeyChange{}, nil
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}

	if len(env.Content) > 0 {
		if err := json.Unmarshal(env.Content, req); err != nil {
			return nil, fmt.Errorf("parse %s content: %w", env.Type, err)
		}
	}
	return req, nil
}

// Presence builds the global online-identities broadcast.
func Presence(online []string) Frame {
	return Frame{Type: TypeBroadcast, Content: online}
}

// Response builds the ad hoc error/ack frame addressed to the requester.
func Response(content any) Frame {
	return Frame{Type: TypeResponse, Content: content}
}

// NewRequest notifies an online invitee of a fresh invitation. The content
// layout [sender, requestID, roomID, name, isGroup] mirrors what clients
// already parse.
func NewRequest(sender string, requestID, roomID int64, name string, isGroup bool) Frame {
	return Frame{Type: TypeNewRequest, Content: []any{sender, requestID, roomID, name, isGroup}}
}

// RequestUpdate notifies the original sender that their invitation was
// resolved.
func RequestUpdate(roomID int64, responder string, accepted bool, name string, isGroup bool) Frame {
	return Frame{Type: TypeRequestUpdate, Content: []any{roomID, responder, accepted, name, isGroup}}
}

// NewMsg delivers a live encrypted message.
func NewMsg(sender string, roomID int64, ciphertext, timestamp, iv string) Frame {
	return Frame{Type: TypeNewMsg, Content: []any{sender, roomID, ciphertext, timestamp, iv}}
}

// MembersChanged signals members viewing a room to refresh it. No payload.
func MembersChanged() Frame {
	return Frame{Type: TypeUpdateMembers}
}

// KeyChanged broadcasts that a user rotated their public key.
func KeyChanged(username string) Frame {
	return Frame{Type: TypeUpdateKey, Content: username}
}
