package models

import "time"

type MessageType string

const (
	MessageText MessageType = "TEXT"
	MessageFile MessageType = "FILE"
)

type SessionState string

const (
	SessionActive SessionState = "ACTIVE"
	SessionClosed SessionState = "CLOSED"
)

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Message is one delivered chat line or file notice. ReceiverID is nil for
// messages addressed to every user.
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID *int64
	Type       MessageType
	Content    string // text, or the filename for MessageFile
	FileID     *int64
	SessionID  *string
	CreatedAt  time.Time
}

type FileRecord struct {
	ID        int64
	Filename  string
	Path      string
	Size      int64
	OwnerID   int64
	CreatedAt time.Time
}

type SessionRecord struct {
	ID        string
	UserID    int64
	ClientIP  string
	Token     string
	StartedAt time.Time
	EndedAt   *time.Time
	State     SessionState
}
