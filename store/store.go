// Package store defines the persistence and credential interfaces consumed by
// the connection engine. Concrete backends live in db and db/postgres.
package store

import (
	"context"
	"time"

	"lanchat/models"
)

// AuthService verifies and creates credentials.
type AuthService interface {
	// Register creates a user. It returns errs.ErrAlreadyExists when the
	// username is taken and errs.ErrInvalidInput when id is not numeric.
	Register(ctx context.Context, id, username, password string) error
	// Login returns errs.ErrUnauthorized unless id, username and password all match.
	Login(ctx context.Context, id, username, password string) error
}

// UserDirectory resolves users by name or id.
type UserDirectory interface {
	UserByName(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
}

// MessageStore persists delivered messages.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *models.Message) (int64, error)
	// FindForUser returns up to limit of the newest messages the user sent or
	// received, oldest first.
	FindForUser(ctx context.Context, userID int64, limit int) ([]models.Message, error)
}

// FileStore persists metadata of accepted uploads.
type FileStore interface {
	InsertFile(ctx context.Context, filename, path string, size, ownerID int64) (int64, error)
	FileByID(ctx context.Context, id int64) (*models.FileRecord, error)
}

// SessionStore records login-to-logout spans.
type SessionStore interface {
	OpenSession(ctx context.Context, userID int64, ip, token string) (string, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time, state models.SessionState) error
	SessionsByUser(ctx context.Context, userID int64) ([]models.SessionRecord, error)
}

// Store bundles every interface a backend provides.
type Store interface {
	AuthService
	UserDirectory
	MessageStore
	FileStore
	SessionStore
	Close() error
}
