// Package remote defines the contract between the sync engine and the hosted
// chat backend. The engine only assumes semantics: an ordered change-stream
// per chat, idempotent writes keyed by client-generated IDs, and at-least-once
// notification of remote changes.
package remote

import "context"

// ChangeType classifies a change-stream entry.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// MessageRecord is the wire shape of a message. Delivery and read sets travel
// with the record; the local receipt tracker merges them incrementally.
type MessageRecord struct {
	ID          string   `json:"id"`
	ChatID      string   `json:"chatId"`
	SenderID    string   `json:"senderId"`
	SenderName  string   `json:"senderName,omitempty"`
	Content     string   `json:"content,omitempty"`
	Type        string   `json:"type"`
	Timestamp   int64    `json:"timestamp"`
	Recipients  []string `json:"recipients,omitempty"`
	DeliveredTo []string `json:"deliveredTo,omitempty"`
	ReadBy      []string `json:"readBy,omitempty"`
}

// Change is one entry of a chat's change-stream.
type Change struct {
	Type   ChangeType    `json:"type"`
	Record MessageRecord `json:"record"`
}

// ChatRecord is the wire shape of a chat the user participates in.
type ChatRecord struct {
	ID           string                       `json:"id"`
	Type         string                       `json:"type"`
	Participants []string                     `json:"participants"`
	Details      map[string]ParticipantDetail `json:"details,omitempty"`
}

// ParticipantDetail is a display snapshot for one chat member.
type ParticipantDetail struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// TypingEntry is one user's ephemeral typing marker in a chat.
type TypingEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

// Identity is who this device authenticates as against the backend.
type Identity struct {
	UserID      string
	DisplayName string
}

// Subscription is a live per-chat delta stream. Close tears it down; after
// Close returns no further changes are delivered.
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close()
}

// ChatSubscription streams snapshots of the user's chat membership. A new
// snapshot arrives whenever the membership query result changes.
type ChatSubscription interface {
	Chats() <-chan []ChatRecord
	Err() error
	Close()
}

// Backend is the remote collaborator. The subscription API is two-phase:
// LoadInitial returns the current most-recent-N snapshot, Subscribe then
// yields only deltas committed after that point, so consumers never need an
// is-this-the-first-callback flag.
type Backend interface {
	// LoadInitial fetches the most recent limit messages of a chat.
	LoadInitial(ctx context.Context, chatID string, limit int) ([]MessageRecord, error)

	// Subscribe opens the delta stream for a chat.
	Subscribe(ctx context.Context, chatID string) (Subscription, error)

	// PutMessage upserts a message keyed by rec.ID. Safe to repeat: retries
	// of the same record are absorbed, never duplicated.
	PutMessage(ctx context.Context, rec MessageRecord) error

	// AddReceipt records a delivery or read acknowledgement.
	AddReceipt(ctx context.Context, chatID, messageID, userID, kind string) error

	// PutTyping publishes an ephemeral typing marker; ClearTyping removes it.
	PutTyping(ctx context.Context, chatID string, entry TypingEntry) error
	ClearTyping(ctx context.Context, chatID, userID string) error

	// Typing reads the chat's current typing map. Staleness filtering is the
	// caller's job; the backend returns whatever is in the map.
	Typing(ctx context.Context, chatID string) ([]TypingEntry, error)

	// WatchChats streams the chats userID participates in.
	WatchChats(ctx context.Context, userID string) (ChatSubscription, error)
}
