package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lanchat/db"
	"lanchat/errs"
	"lanchat/models"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeSink records lines. It must be used by pointer: the registry compares
// sinks by identity.
type fakeSink struct {
	mu     sync.Mutex
	lines  []string
	fail   bool
	closed bool

	// delay simulates a slow peer; it is applied outside the lock.
	delay time.Duration
}

func (s *fakeSink) WriteLine(line string) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errBrokenPipe
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *fakeSink) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) SetFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSink) Count(line string) int {
	n := 0
	for _, l := range s.Lines() {
		if l == line {
			n++
		}
	}
	return n
}

// memStore is an in-memory store.Store. Passwords are kept in clear.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	messages []models.Message
	files    map[int64]*models.FileRecord
	sessions []models.SessionRecord
	nextID   int64

	failInsertFile bool
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[int64]*models.User),
		files: make(map[int64]*models.FileRecord),
	}
}

func (m *memStore) addUser(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &models.User{ID: id, Username: name, PasswordHash: "pw"}
}

func (m *memStore) Register(_ context.Context, id, username, password string) error {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errs.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[uid]; ok {
		return errs.ErrAlreadyExists
	}
	for _, u := range m.users {
		if u.Username == username {
			return errs.ErrAlreadyExists
		}
	}
	m.users[uid] = &models.User{ID: uid, Username: username, PasswordHash: password}
	return nil
}

func (m *memStore) Login(_ context.Context, id, username, password string) error {
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errs.ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[uid]
	if !ok || u.Username != username || u.PasswordHash != password {
		return errs.ErrUnauthorized
	}
	return nil
}

func (m *memStore) UserByName(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *memStore) UserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg *models.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c := *msg
	c.ID = m.nextID
	m.messages = append(m.messages, c)
	return c.ID, nil
}

func (m *memStore) FindForUser(_ context.Context, userID int64, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.SenderID == userID || (msg.ReceiverID != nil && *msg.ReceiverID == userID) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) InsertFile(_ context.Context, filename, path string, size, ownerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertFile {
		return 0, errors.New("disk full")
	}
	m.nextID++
	m.files[m.nextID] = &models.FileRecord{ID: m.nextID, Filename: filename, Path: path, Size: size, OwnerID: ownerID}
	return m.nextID, nil
}

func (m *memStore) FileByID(_ context.Context, id int64) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (m *memStore) OpenSession(_ context.Context, userID int64, ip, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := "s" + strconv.FormatInt(m.nextID, 10)
	m.sessions = append(m.sessions, models.SessionRecord{
		ID: id, UserID: userID, ClientIP: ip, Token: token, StartedAt: time.Now(), State: models.SessionActive,
	})
	return id, nil
}

func (m *memStore) CloseSession(_ context.Context, id string, endedAt time.Time, state models.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			t := endedAt
			m.sessions[i].EndedAt = &t
			m.sessions[i].State = state
			return nil
		}
	}
	return errs.ErrNotFound
}

func (m *memStore) SessionsByUser(_ context.Context, userID int64) ([]models.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SessionRecord
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) fileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *memStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// addrConn overrides the peer address of a pipe end so that tests can
// simulate distinct client machines.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

func testAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

// setupTestServer creates a server backed by a temporary SQLite database.
func setupTestServer(t *testing.T, configure ...func(*ServerConfig)) (*Server, *db.DB) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), db.WithPasswordCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	config := &ServerConfig{
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          2 * time.Second,
		EchoBroadcastToSender: true,
		Upload: UploadConfig{
			Dir:               filepath.Join(t.TempDir(), "uploads"),
			MaxSizeMB:         1,
			AllowedExtensions: []string{"txt", "bin"},
		},
	}
	for _, fn := range configure {
		fn(config)
	}

	return New(database, config), database
}

// testClient drives one server-side worker over net.Pipe. Received lines
// are buffered so that pushes never block the server.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
	done  chan struct{}
}

func connectClient(t *testing.T, srv *Server, ip string) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	c := &testClient{
		t:     t,
		conn:  clientConn,
		lines: make(chan string, 512),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(c.lines)
		reader := bufio.NewReader(clientConn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			c.lines <- strings.TrimSuffix(line, "\n")
		}
	}()

	go func() {
		defer close(c.done)
		srv.handleConnection(context.Background(), &addrConn{Conn: serverConn, remote: testAddr(ip)})
	}()

	t.Cleanup(c.close)
	c.expect("WELCOME")
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// next returns the next line from the server.
func (c *testClient) next() string {
	c.t.Helper()
	select {
	case line, ok := <-c.lines:
		require.True(c.t, ok, "connection closed")
		return line
	case <-time.After(5 * time.Second):
		c.t.Fatal("timeout waiting for server line")
		return ""
	}
}

// expect skips lines until want arrives and returns the skipped ones.
func (c *testClient) expect(want string) []string {
	c.t.Helper()
	var skipped []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				c.t.Fatalf("connection closed waiting for %q, got %q", want, skipped)
			}
			if line == want {
				return skipped
			}
			skipped = append(skipped, line)
		case <-deadline:
			c.t.Fatalf("timeout waiting for %q, got %q", want, skipped)
		}
	}
}

// expectPrefix skips lines until one starts with prefix and returns it.
func (c *testClient) expectPrefix(prefix string) string {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				c.t.Fatalf("connection closed waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			c.t.Fatalf("timeout waiting for prefix %q", prefix)
		}
	}
}

// drain collects everything received within d.
func (c *testClient) drain(d time.Duration) []string {
	var out []string
	deadline := time.After(d)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return out
			}
			out = append(out, line)
		case <-deadline:
			return out
		}
	}
}

// close hangs up and waits for the worker to finish its cleanup.
func (c *testClient) close() {
	c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.t.Error("worker did not terminate")
	}
}

// quit sends QUIT, expects BYE and waits for the worker to finish.
func (c *testClient) quit() {
	c.t.Helper()
	c.send("QUIT")
	c.expect("BYE")
	c.close()
}

func (c *testClient) register(id, user, password string) {
	c.t.Helper()
	c.send("REGISTER " + id + "|" + user + "|" + password)
	require.Equal(c.t, "REGISTERED", c.next())
}

func (c *testClient) login(id, user, password string) {
	c.t.Helper()
	c.send("LOGIN " + id + "|" + user + "|" + password)
	c.expect("LOGGED")
}

func filterPrefix(lines []string, prefix string) []string {
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}
