package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lanchat/models"
	"lanchat/protocol"
	"lanchat/store"
)

// DefaultHistoryLimit bounds the messages replayed at login.
const DefaultHistoryLimit = 200

type historyStores interface {
	store.UserDirectory
	store.MessageStore
	store.FileStore
	store.SessionStore
}

// HistoryReplayer re-sends stored messages and files after a login, skipping
// whatever was created before the user's previous session closed.
type HistoryReplayer struct {
	stores  historyStores
	dir     string
	limit   int
	log     *zap.Logger
	metrics *Metrics
}

func NewHistoryReplayer(stores historyStores, uploadDir string, limit int, log *zap.Logger, metrics *Metrics) *HistoryReplayer {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if uploadDir == "" {
		uploadDir = DefaultUploadDir
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HistoryReplayer{
		stores:  stores,
		dir:     uploadDir,
		limit:   limit,
		log:     log.Named("history"),
		metrics: metrics,
	}
}

// Cutoff returns the end of the user's most recently closed session. ok is
// false when no session has been closed yet.
func (h *HistoryReplayer) Cutoff(ctx context.Context, userID int64) (cutoff time.Time, ok bool, err error) {
	sessions, err := h.stores.SessionsByUser(ctx, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, s := range sessions {
		if s.EndedAt == nil {
			continue
		}
		if !ok || s.EndedAt.After(cutoff) {
			cutoff, ok = *s.EndedAt, true
		}
	}
	return cutoff, ok, nil
}

// Replay streams HISTMSG/HISTFILE lines to out in chronological order and
// returns the number of lines written. Store errors are logged and end the
// replay without an error; only a failed write is returned.
func (h *HistoryReplayer) Replay(ctx context.Context, userID int64, username string, out Sink) (int, error) {
	cutoff, hasCutoff, err := h.Cutoff(ctx, userID)
	if err != nil {
		h.log.Warn("cannot determine last closed session", zap.String("user", username), zap.Error(err))
	}

	messages, err := h.stores.FindForUser(ctx, userID, h.limit)
	if err != nil {
		h.log.Error("cannot load history", zap.String("user", username), zap.Error(err))
		return 0, nil
	}
	if hasCutoff {
		h.log.Info("skipping history up to previous logout",
			zap.String("user", username), zap.Time("cutoff", cutoff))
	}

	names := map[int64]string{userID: username}
	sent := 0
	for _, m := range messages {
		if hasCutoff && !m.CreatedAt.After(cutoff) {
			continue
		}

		sender := h.displayName(ctx, names, &m.SenderID)
		receiver := h.displayName(ctx, names, m.ReceiverID)

		lines, err := h.render(ctx, m, sender, receiver)
		if err != nil {
			h.log.Warn("skipping history item", zap.String("user", username), zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		for _, line := range lines {
			if err := out.WriteLine(line); err != nil {
				return sent, err
			}
			sent++
		}
	}

	if sent > 0 {
		h.log.Info("history replayed", zap.String("user", username), zap.Int("lines", sent))
	}
	return sent, nil
}

func (h *HistoryReplayer) render(ctx context.Context, m models.Message, sender, receiver string) ([]string, error) {
	if m.Type != models.MessageFile || m.FileID == nil {
		h.metrics.RecordHistoryLine("text")
		return []string{protocol.HistMsg(sender, receiver, m.Content, m.CreatedAt)}, nil
	}

	rec, err := h.stores.FileByID(ctx, *m.FileID)
	if err != nil {
		return nil, fmt.Errorf("file %d: %w", *m.FileID, err)
	}
	path, ok := h.locate(rec)
	if !ok {
		return nil, fmt.Errorf("file %d (%s) not found under %s", rec.ID, rec.Filename, h.dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	h.metrics.RecordHistoryLine("file")
	payload := base64.StdEncoding.EncodeToString(data)
	return []string{
		protocol.HistFile(sender, receiver, rec.Filename, payload, m.CreatedAt),
		protocol.HistMsg(sender, receiver, protocol.FileNotice(rec.Filename), m.CreatedAt),
	}, nil
}

// locate finds the stored payload: the recorded path, the recorded path
// under the upload root, then any upload named "*_<filename>" or "<filename>".
func (h *HistoryReplayer) locate(rec *models.FileRecord) (string, bool) {
	if rec.Path != "" {
		if fileExists(rec.Path) {
			return rec.Path, true
		}
		if p := filepath.Join(h.dir, rec.Path); fileExists(p) {
			return p, true
		}
	}
	if rec.Filename == "" {
		return "", false
	}

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if name == rec.Filename || strings.HasSuffix(name, "_"+rec.Filename) {
			return filepath.Join(h.dir, name), true
		}
	}
	return "", false
}

func (h *HistoryReplayer) displayName(ctx context.Context, cache map[int64]string, id *int64) string {
	if id == nil {
		return protocol.BroadcastRecipient
	}
	if name, ok := cache[*id]; ok {
		return name
	}
	name := strconv.FormatInt(*id, 10)
	if u, err := h.stores.UserByID(ctx, *id); err == nil {
		name = u.Username
	}
	cache[*id] = name
	return name
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
