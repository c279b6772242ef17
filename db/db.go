package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"lanchat/errs"
	"lanchat/migrate"
	"lanchat/models"
)

// timeLayout is fixed-width so that text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
	cost int
	now  func() time.Time
}

type Option func(*DB)

// WithPasswordCost sets the bcrypt cost used by Register.
func WithPasswordCost(cost int) Option {
	return func(db *DB) { db.cost = cost }
}

// WithClock overrides the time source for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

func New(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, cost: bcrypt.DefaultCost, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}

	if err := migrate.Up(context.Background(), conn, migrate.SQLite); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// User methods

func (db *DB) Register(ctx context.Context, id, username, password string) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	if username == "" || password == "" {
		return fmt.Errorf("%w: empty username or password", errs.ErrInvalidInput)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), db.cost)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		uid, username, string(hashed), db.timestamp(db.now()),
	)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func (db *DB) Login(ctx context.Context, id, username, password string) error {
	uid, err := parseID(id)
	if err != nil {
		return errs.ErrUnauthorized
	}

	var storedID int64
	var hash string
	err = db.conn.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE username = ?", username,
	).Scan(&storedID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrUnauthorized
	}
	if err != nil {
		return err
	}

	if storedID != uid {
		return errs.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return errs.ErrUnauthorized
	}
	return nil
}

func (db *DB) UserByName(ctx context.Context, username string) (*models.User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username))
}

func (db *DB) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE id = ?", id))
}

func (db *DB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var created string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// Message methods

func (db *DB) InsertMessage(ctx context.Context, m *models.Message) (int64, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = db.now()
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, type, content, file_id, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SenderID, m.ReceiverID, string(m.Type), m.Content, m.FileID, m.SessionID, db.timestamp(created),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) FindForUser(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, type, content, file_id, session_id, created_at FROM (
			SELECT * FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var msgType, created string
		var receiver, file sql.NullInt64
		var session sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderID, &receiver, &msgType, &m.Content, &file, &session, &created); err != nil {
			return nil, err
		}
		m.Type = models.MessageType(msgType)
		m.ReceiverID = nullInt(receiver)
		m.FileID = nullInt(file)
		if session.Valid {
			m.SessionID = &session.String
		}
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// File methods

func (db *DB) InsertFile(ctx context.Context, filename, path string, size, ownerID int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO files (filename, path, size, owner_id, created_at) VALUES (?, ?, ?, ?, ?)",
		filename, path, size, ownerID, db.timestamp(db.now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) FileByID(ctx context.Context, id int64) (*models.FileRecord, error) {
	var f models.FileRecord
	var created string
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, filename, path, size, owner_id, created_at FROM files WHERE id = ?", id,
	).Scan(&f.ID, &f.Filename, &f.Path, &f.Size, &f.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(created)
	return &f, nil
}

// Session methods

func (db *DB) OpenSession(ctx context.Context, userID int64, ip, token string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	var tok sql.NullString
	if token != "" {
		tok = sql.NullString{String: token, Valid: true}
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, client_ip, token, started_at, state) VALUES (?, ?, ?, ?, ?, ?)",
		id.String(), userID, ip, tok, db.timestamp(db.now()), string(models.SessionActive),
	)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (db *DB) CloseSession(ctx context.Context, id string, endedAt time.Time, state models.SessionState) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, state = ? WHERE id = ?",
		db.timestamp(endedAt), string(state), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (db *DB) SessionsByUser(ctx context.Context, userID int64) ([]models.SessionRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, client_ip, token, started_at, ended_at, state
		 FROM sessions WHERE user_id = ? ORDER BY started_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.SessionRecord
	for rows.Next() {
		var s models.SessionRecord
		var token, ended sql.NullString
		var started, state string
		if err := rows.Scan(&s.ID, &s.UserID, &s.ClientIP, &token, &started, &ended, &state); err != nil {
			return nil, err
		}
		s.Token = token.String
		s.StartedAt = parseTime(started)
		if ended.Valid {
			t := parseTime(ended.String)
			s.EndedAt = &t
		}
		s.State = models.SessionState(state)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (db *DB) timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by other tools may carry plain RFC 3339.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not numeric", errs.ErrInvalidInput, id)
	}
	return n, nil
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
