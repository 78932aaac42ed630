package chat

// InviteStatus is the lifecycle state of an invitation. Pending is the only
// non-terminal state; a responded invitation is never reopened or deleted.
type InviteStatus int

const (
	StatusPending  InviteStatus = -1
	StatusDeclined InviteStatus = 0
	StatusAccepted InviteStatus = 1
)

func (s InviteStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDeclined:
		return "declined"
	case StatusAccepted:
		return "accepted"
	}
	return "unknown"
}

// Invitation asks Receiver to join Room. Kind mirrors the room's kind at
// creation time so direct-invite conflict checks need no room fetch.
type Invitation struct {
	ID       int64
	Sender   string
	Receiver string
	RoomID   int64
	Kind     RoomKind
	Status   InviteStatus
}
