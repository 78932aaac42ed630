package chat

import "time"

// Message is a persisted fallback delivery. Content is opaque ciphertext and
// IV its initialization vector; the relay never inspects either. PublicKey is
// the sender's key snapshot taken when the message was stored, so the
// receiver can derive the shared secret even after a later key change.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	RoomID    int64
	Content   string
	IV        string
	PublicKey string
	SentAt    time.Time
}
