package server

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanchat/models"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func addMessage(st *memStore, from int64, to *int64, text string, at time.Time) {
	st.InsertMessage(context.Background(), &models.Message{
		SenderID: from, ReceiverID: to, Type: models.MessageText, Content: text, CreatedAt: at,
	})
}

func closedSession(st *memStore, userID int64, ended time.Time) {
	id, _ := st.OpenSession(context.Background(), userID, "10.0.0.1", "")
	st.CloseSession(context.Background(), id, ended, models.SessionClosed)
}

func TestHistoryFirstLoginReplaysEverything(t *testing.T) {
	st := newMemStore()
	st.addUser(1, "alice")
	st.addUser(2, "bob")
	addMessage(st, 2, ptr[int64](1), "hola", t0)
	addMessage(st, 1, ptr[int64](2), "que tal", t0.Add(time.Minute))
	addMessage(st, 2, ptr[int64](1), "a todos", t0.Add(2*time.Minute))
	addMessage(st, 1, nil, "sin destino", t0.Add(3*time.Minute))
	// Neither sent nor received by alice.
	addMessage(st, 2, nil, "ajeno", t0.Add(4*time.Minute))

	h := NewHistoryReplayer(st, t.TempDir(), 0, nil, nil)
	out := &fakeSink{}
	n, err := h.Replay(context.Background(), 1, "alice", out)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []string{
		"HISTMSG bob|alice|hola|2025-03-01T10:00:00Z",
		"HISTMSG alice|bob|que tal|2025-03-01T10:01:00Z",
		"HISTMSG bob|alice|a todos|2025-03-01T10:02:00Z",
		"HISTMSG alice|ALL|sin destino|2025-03-01T10:03:00Z",
	}, out.Lines())
}

func TestHistoryDedupBoundary(t *testing.T) {
	st := newMemStore()
	st.addUser(1, "alice")
	st.addUser(2, "bob")

	cutoff := t0.Add(time.Hour)
	addMessage(st, 2, ptr[int64](1), "before", cutoff.Add(-time.Second))
	addMessage(st, 2, ptr[int64](1), "at", cutoff)
	addMessage(st, 2, ptr[int64](1), "after", cutoff.Add(time.Nanosecond))

	closedSession(st, 1, t0)    // older close, ignored
	closedSession(st, 1, cutoff) // latest close wins
	st.OpenSession(context.Background(), 1, "10.0.0.1", "")

	h := NewHistoryReplayer(st, t.TempDir(), 0, nil, nil)

	got, ok, err := h.Cutoff(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(cutoff))

	out := &fakeSink{}
	_, err = h.Replay(context.Background(), 1, "alice", out)
	require.NoError(t, err)
	require.Len(t, out.Lines(), 1)
	require.Contains(t, out.Lines()[0], "|after|")
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	st := newMemStore()
	st.addUser(1, "alice")
	st.addUser(2, "bob")
	for i := 0; i < 5; i++ {
		addMessage(st, 2, ptr[int64](1), string(rune('a'+i)), t0.Add(time.Duration(i)*time.Minute))
	}

	h := NewHistoryReplayer(st, t.TempDir(), 2, nil, nil)
	out := &fakeSink{}
	_, err := h.Replay(context.Background(), 1, "alice", out)
	require.NoError(t, err)
	require.Equal(t, []string{
		"HISTMSG bob|alice|d|2025-03-01T10:03:00Z",
		"HISTMSG bob|alice|e|2025-03-01T10:04:00Z",
	}, out.Lines())
}

func TestHistoryFiles(t *testing.T) {
	st := newMemStore()
	st.addUser(1, "alice")
	st.addUser(2, "bob")
	dir := t.TempDir()
	ctx := context.Background()

	// Stored path exists.
	direct := filepath.Join(dir, "1_bob_a.txt")
	require.NoError(t, os.WriteFile(direct, []byte("aaa"), 0o644))
	fa, _ := st.InsertFile(ctx, "a.txt", direct, 3, 2)

	// Path relative to the upload root.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2_bob_b.txt"), []byte("bbb"), 0o644))
	fb, _ := st.InsertFile(ctx, "b.txt", "2_bob_b.txt", 3, 2)

	// Stale path, found by suffix.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3_bob_c.txt"), []byte("ccc"), 0o644))
	fc, _ := st.InsertFile(ctx, "c.txt", "/gone/3_bob_c.txt", 3, 2)

	// Nowhere to be found.
	fd, _ := st.InsertFile(ctx, "d.txt", "/gone/d.txt", 3, 2)

	for i, id := range []int64{fa, fb, fc, fd} {
		st.InsertMessage(ctx, &models.Message{
			SenderID: 2, ReceiverID: ptr[int64](1), Type: models.MessageFile,
			Content: "x", FileID: ptr(id), CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	// A FILE message without a file reference degrades to text.
	st.InsertMessage(ctx, &models.Message{
		SenderID: 2, ReceiverID: ptr[int64](1), Type: models.MessageFile, Content: "orphan.txt", CreatedAt: t0.Add(time.Hour),
	})

	h := NewHistoryReplayer(st, dir, 0, nil, nil)
	out := &fakeSink{}
	n, err := h.Replay(ctx, 1, "alice", out)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	require.Equal(t, []string{
		"HISTFILE bob|alice|a.txt|" + enc("aaa") + "|2025-03-01T10:00:00Z",
		"HISTMSG bob|alice|(archivo) a.txt|2025-03-01T10:00:00Z",
		"HISTFILE bob|alice|b.txt|" + enc("bbb") + "|2025-03-01T10:01:00Z",
		"HISTMSG bob|alice|(archivo) b.txt|2025-03-01T10:01:00Z",
		"HISTFILE bob|alice|c.txt|" + enc("ccc") + "|2025-03-01T10:02:00Z",
		"HISTMSG bob|alice|(archivo) c.txt|2025-03-01T10:02:00Z",
		"HISTMSG bob|alice|orphan.txt|2025-03-01T11:00:00Z",
	}, out.Lines())
}

func TestHistoryUnknownUserShowsID(t *testing.T) {
	st := newMemStore()
	st.addUser(1, "alice")
	addMessage(st, 42, ptr[int64](1), "hola", t0)

	h := NewHistoryReplayer(st, t.TempDir(), 0, nil, nil)
	out := &fakeSink{}
	_, err := h.Replay(context.Background(), 1, "alice", out)
	require.NoError(t, err)
	require.Equal(t, []string{"HISTMSG 42|alice|hola|2025-03-01T10:00:00Z"}, out.Lines())
}

func TestHistoryWriteFailureAborts(t *testing.T) {
	st := newMemStore()
	st.addUser(1, "alice")
	st.addUser(2, "bob")
	addMessage(st, 2, ptr[int64](1), "uno", t0)
	addMessage(st, 2, ptr[int64](1), "dos", t0.Add(time.Minute))

	h := NewHistoryReplayer(st, t.TempDir(), 0, nil, nil)
	out := &fakeSink{fail: true}
	n, err := h.Replay(context.Background(), 1, "alice", out)
	require.ErrorIs(t, err, errBrokenPipe)
	require.Zero(t, n)
}
