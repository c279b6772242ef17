package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"lanchat/errs"
	"lanchat/models"
)

// Store implements store.Store on a PostgreSQL pool.
type Store struct {
	db   *DB
	cost int
}

// NewStore constructs a store. cost is the bcrypt cost; zero selects the default.
func NewStore(db *DB, cost int) *Store {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Store{db: db, cost: cost}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Register inserts a new user row.
func (s *Store) Register(ctx context.Context, id, username, password string) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	if username == "" || password == "" {
		return fmt.Errorf("%w: empty username or password", errs.ErrInvalidInput)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO users (id, username, password_hash)
VALUES ($1, $2, $3)`
	_, err = s.db.Pool.Exec(ctx, q, uid, username, string(hashed))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Login checks the id, username and password triple.
func (s *Store) Login(ctx context.Context, id, username, password string) error {
	uid, err := parseID(id)
	if err != nil {
		return errs.ErrUnauthorized
	}
	u, err := s.UserByName(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if u.ID != uid || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return errs.ErrUnauthorized
	}
	return nil
}

func (s *Store) UserByName(ctx context.Context, username string) (*models.User, error) {
	const q = `
SELECT id, username, password_hash, created_at
FROM users WHERE username=$1`
	return scanUser(s.db.Pool.QueryRow(ctx, q, username))
}

func (s *Store) UserByID(ctx context.Context, id int64) (*models.User, error) {
	const q = `
SELECT id, username, password_hash, created_at
FROM users WHERE id=$1`
	return scanUser(s.db.Pool.QueryRow(ctx, q, id))
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// InsertMessage stores one message and returns its id.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) (int64, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	session, err := sessionArg(m.SessionID)
	if err != nil {
		return 0, err
	}

	const q = `
INSERT INTO messages (sender_id, receiver_id, type, content, file_id, session_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	var id int64
	err = s.db.Pool.QueryRow(ctx, q,
		m.SenderID, m.ReceiverID, string(m.Type), m.Content, m.FileID, session, created.UTC(),
	).Scan(&id)
	return id, err
}

// FindForUser returns the newest limit messages of the user, oldest first.
func (s *Store) FindForUser(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	const q = `
SELECT id, sender_id, receiver_id, type, content, file_id, session_id, created_at FROM (
	SELECT id, sender_id, receiver_id, type, content, file_id, session_id::text AS session_id, created_at
	FROM messages
	WHERE sender_id=$1 OR receiver_id=$1
	ORDER BY created_at DESC, id DESC
	LIMIT $2
) recent
ORDER BY created_at ASC, id ASC`
	rows, err := s.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var msgType string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &msgType, &m.Content, &m.FileID, &m.SessionID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = models.MessageType(msgType)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertFile records an accepted upload and returns its id.
func (s *Store) InsertFile(ctx context.Context, filename, path string, size, ownerID int64) (int64, error) {
	const q = `
INSERT INTO files (filename, path, size, owner_id)
VALUES ($1, $2, $3, $4)
RETURNING id`
	var id int64
	err := s.db.Pool.QueryRow(ctx, q, filename, path, size, ownerID).Scan(&id)
	return id, err
}

func (s *Store) FileByID(ctx context.Context, id int64) (*models.FileRecord, error) {
	const q = `
SELECT id, filename, path, size, owner_id, created_at
FROM files WHERE id=$1`
	var f models.FileRecord
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(&f.ID, &f.Filename, &f.Path, &f.Size, &f.OwnerID, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// OpenSession starts an ACTIVE session and returns its UUID.
func (s *Store) OpenSession(ctx context.Context, userID int64, ip, token string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	var tok *string
	if token != "" {
		tok = &token
	}

	const q = `
INSERT INTO sessions (id, user_id, client_ip, token, state)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Pool.Exec(ctx, q, id, userID, ip, tok, string(models.SessionActive)); err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Store) CloseSession(ctx context.Context, id string, endedAt time.Time, state models.SessionState) error {
	sid, err := uuid.FromString(id)
	if err != nil {
		return errs.ErrNotFound
	}

	const q = `
UPDATE sessions
SET ended_at=$2, state=$3
WHERE id=$1`
	tag, err := s.db.Pool.Exec(ctx, q, sid, endedAt.UTC(), string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Store) SessionsByUser(ctx context.Context, userID int64) ([]models.SessionRecord, error) {
	const q = `
SELECT id::text, user_id, client_ip, token, started_at, ended_at, state
FROM sessions WHERE user_id=$1
ORDER BY started_at`
	rows, err := s.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		var r models.SessionRecord
		var token *string
		var state string
		if err := rows.Scan(&r.ID, &r.UserID, &r.ClientIP, &token, &r.StartedAt, &r.EndedAt, &state); err != nil {
			return nil, err
		}
		if token != nil {
			r.Token = *token
		}
		r.State = models.SessionState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func sessionArg(id *string) (any, error) {
	if id == nil {
		return nil, nil
	}
	u, err := uuid.FromString(*id)
	if err != nil {
		return nil, fmt.Errorf("%w: session id %q", errs.ErrInvalidInput, *id)
	}
	return u, nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not numeric", errs.ErrInvalidInput, id)
	}
	return n, nil
}
