package store

// Sync status values for Message.SyncStatus.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Delivery status values for Message.DeliveryStatus, in promotion order.
const (
	DeliverySending   = "sending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

// Message type values.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeSystem = "system"
)

// Chat type values.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Attachment type values.
const (
	AttachmentPhoto    = "photo"
	AttachmentLink     = "link"
	AttachmentDocument = "document"
	AttachmentLocation = "location"
)

// Message is a locally cached message. ID is client-generated and stable
// across the local cache and the remote backend, so every writer can upsert.
type Message struct {
	ID             string
	ChatID         string
	SenderID       string
	SenderName     string
	Content        string
	MessageType    string
	Timestamp      int64 // logical send time, unix ms
	SyncStatus     string
	DeliveryStatus string
	// Recipients is the intended recipient set snapshotted at send time.
	// Without it "delivered to everyone" is undefined once participants
	// change mid-conversation.
	Recipients []string
}

// Participant is a denormalized display snapshot for a chat member.
type Participant struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Chat is a locally cached chat with a denormalized last-message summary.
type Chat struct {
	ID                 string
	ChatType           string
	Participants       []string
	ParticipantDetails map[string]Participant
	LastMessageID      string
	LastMessagePreview string
	LastMessageSender  string
	LastMessageAt      int64
	UnreadCount        int
	UpdatedAt          int64
}

// Receipt is one acknowledgement row: userID has delivered-or-read messageID.
type Receipt struct {
	MessageID string
	UserID    string
	Kind      string // "delivered" or "read"
	CreatedAt int64
}

// Attachment is a record derived from a message by the extractor. ID is
// composed deterministically from (message, type, index) so repeated
// extraction is idempotent. It lives and dies with its source message.
type Attachment struct {
	ID        string
	MessageID string
	ChatID    string
	Type      string // photo, link, document, location
	URL       string
	Label     string
	Position  int
}

// ScanWatermark records how far a batch analysis has progressed in a chat.
// Purely advisory: resetting it to zero costs a rescan, never correctness.
type ScanWatermark struct {
	UserID        string
	ChatID        string
	ScanType      string
	LastScannedAt int64
	MessageCount  int
}

// OutboxEntry is a queued outgoing message awaiting remote delivery.
type OutboxEntry struct {
	MessageID    string
	ChatID       string
	Status       string // queued, sending, sent, failed
	Attempts     int
	NextRetryAt  int64
	ErrorClass   string // transient, permanent
	ErrorMessage string
	CreatedAt    int64
}

// SearchResult holds a matched message with a highlight snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
