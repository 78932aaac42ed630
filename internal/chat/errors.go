package chat

import "errors"

// Sentinel errors returned by the workflow and router layers. Handlers match
// on these with errors.Is and translate them into response frames; the
// user-facing wording travels separately in RequestError.
var (
	// Validation.
	ErrEmptyInviteList  = errors.New("no invitees")
	ErrTooManyInvitees  = errors.New("direct chat allows a single invitee")
	ErrMissingGroupName = errors.New("group name required")
	ErrSelfInvite       = errors.New("cannot invite yourself")
	ErrInvalidDecision  = errors.New("invalid invitation decision")

	// Authorization.
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotMember     = errors.New("not a room member")
	ErrNotReceiver   = errors.New("not the invitation receiver")

	// Conflicts.
	ErrDuplicateInvite      = errors.New("invite already sent")
	ErrReciprocalInvite     = errors.New("invitee already sent a pending invite")
	ErrAlreadyDirectFriends = errors.New("already direct friends")
	ErrAlreadyMember        = errors.New("already a room member")

	// Not found.
	ErrUnknownUser        = errors.New("user does not exist")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrRoomNotFound       = errors.New("room not found")

	// Storage collaborator failed or timed out.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// RequestError pairs a sentinel with the exact text sent back to the
// requesting connection.
type RequestError struct {
	Err error
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

func (e *RequestError) Unwrap() error { return e.Err }

// Reject builds a RequestError for the given sentinel and user-facing text.
func Reject(sentinel error, msg string) error {
	return &RequestError{Err: sentinel, Msg: msg}
}

// UserMessage extracts the user-facing text of err, falling back to a
// generic failure line for untyped errors so internal detail never leaks
// onto the wire.
func UserMessage(err error) string {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.Msg
	}
	return "the server could not complete the request"
}
