package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"lanchat/errs"
	"lanchat/models"
	"lanchat/protocol"
)

func (w *worker) handleRegister(ctx context.Context, c protocol.Register) {
	err := w.srv.store.Register(ctx, c.ID, c.Username, c.Password)
	switch {
	case err == nil:
		w.log.Info("user registered", zap.String("user", c.Username), zap.String("id", c.ID))
		w.reply(protocol.Registered)
	case errors.Is(err, errs.ErrInvalidInput):
		w.reply(protocol.FormatError(&protocol.ParseError{Verb: protocol.VerbRegister, Usage: protocol.Usage(protocol.VerbRegister)}))
	default:
		if !errors.Is(err, errs.ErrAlreadyExists) {
			w.log.Error("registration failed", zap.String("user", c.Username), zap.Error(err))
		} else {
			w.log.Warn("registration rejected: user exists", zap.String("user", c.Username))
		}
		w.reply(protocol.Error(protocol.CodeUserExists))
	}
}

func (w *worker) handleLogin(ctx context.Context, c protocol.Login) {
	if w.state == stateAuthenticated {
		w.reply(protocol.Error(protocol.CodeAlreadyAuthenticated))
		return
	}

	if err := w.srv.store.Login(ctx, c.ID, c.Username, c.Password); err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			w.log.Warn("login failed", zap.String("user", c.Username))
		} else {
			w.log.Error("login error", zap.String("user", c.Username), zap.Error(err))
		}
		w.reply(protocol.Error(protocol.CodeBadCredentials))
		return
	}

	if err := w.srv.registry.Register(c.Username, w.ip, w.out); err != nil {
		w.reply(protocol.Error(err.Error()))
		return
	}

	w.state = stateAuthenticated
	w.user = c.Username
	w.log = w.log.With(zap.String("user", c.Username))
	w.log.Info("login successful", zap.String("ip", w.ip))

	account, err := w.srv.store.UserByName(ctx, c.Username)
	if err != nil {
		w.log.Error("cannot load user after login", zap.Error(err))
	} else {
		w.account = account
		w.sessionID, err = w.srv.store.OpenSession(ctx, account.ID, w.ip, "")
		if err != nil {
			w.log.Warn("cannot open session", zap.Error(err))
			w.sessionID = ""
		}
	}

	w.reply(protocol.Logged)

	if w.account == nil {
		return
	}
	if _, err := w.srv.history.Replay(ctx, w.account.ID, w.user, w.out); err != nil {
		w.log.Warn("history replay aborted", zap.Error(err))
	}
}

func (w *worker) handleMessage(ctx context.Context, c protocol.Msg) {
	w.log.Info("message", zap.String("recipient", c.Recipient), zap.Int("bytes", len(c.Text)))

	if protocol.IsBroadcast(c.Recipient) {
		w.srv.registry.BroadcastMessage(w.user, c.Text)
	} else {
		if !w.srv.registry.SendTo(c.Recipient, protocol.MsgFrom(w.user, c.Text)) {
			w.log.Warn("message not delivered, recipient offline", zap.String("recipient", c.Recipient))
		}
		w.reply(protocol.MsgEcho(w.user, c.Recipient, c.Text))
	}

	w.persistText(ctx, c.Recipient, c.Text)
	w.reply(protocol.Sent)
}

func (w *worker) persistText(ctx context.Context, recipient, text string) {
	if w.account == nil {
		return
	}
	for _, receiverID := range resolveRecipients(ctx, w.srv.registry, w.srv.store, w.log, w.user, recipient) {
		m := &models.Message{
			SenderID:   w.account.ID,
			ReceiverID: &receiverID,
			Type:       models.MessageText,
			Content:    text,
			SessionID:  optionalString(w.sessionID),
			CreatedAt:  w.srv.now(),
		}
		if _, err := w.srv.store.InsertMessage(ctx, m); err != nil {
			w.log.Error("cannot persist message", zap.Int64("receiver_id", receiverID), zap.Error(err))
		}
	}
}

func (w *worker) handleFileHeader(c protocol.FileHeader) {
	size, err := w.srv.files.CheckHeader(c.Filename, c.Size)
	if err != nil {
		var ve *FileValidationError
		if errors.As(err, &ve) {
			w.log.Warn("file header rejected", zap.String("filename", c.Filename), zap.String("reason", ve.Reason))
			w.reply(protocol.FileHeaderError(c.Filename, ve.Reason))
			return
		}
		w.reply(protocol.FileHeaderError(c.Filename, ReasonSaveError))
		return
	}

	if evicted, ok := w.pending.add(pendingKey(c.Recipient, c.Filename), size); ok {
		w.log.Debug("oldest pending file header dropped", zap.String("key", evicted))
	}
	w.log.Info("file header accepted",
		zap.String("recipient", c.Recipient), zap.String("filename", c.Filename), zap.Int64("size", size))
	w.reply(protocol.FileHeaderOK(c.Filename))
}

func (w *worker) handleFileData(ctx context.Context, c protocol.FileData) {
	if !c.Legacy {
		if _, ok := w.pending.take(pendingKey(c.Recipient, c.Filename)); !ok {
			w.srv.metrics.RecordFileTransfer(ReasonNoHeader)
			w.reply(protocol.FileStatusError(c.Filename, ReasonNoHeader))
			return
		}
	}

	upload, err := w.srv.files.Store(w.user, c.Recipient, c.Filename, c.Payload, c.Legacy)
	if err != nil {
		reason := ReasonSaveError
		filename := c.Filename
		var ve *FileValidationError
		if errors.As(err, &ve) {
			reason, filename = ve.Reason, ve.Filename
		}
		w.log.Warn("file rejected", zap.String("filename", c.Filename), zap.String("reason", reason))
		w.reply(protocol.FileStatusError(filename, reason))
		return
	}

	upload.SessionID = w.sessionID

	w.reply(protocol.FileStatusOK(upload.Filename))
	if w.account != nil {
		upload.SenderID = w.account.ID
		w.srv.files.Persist(ctx, upload)
	}
	w.srv.files.Forward(upload, w.out)
}

func pendingKey(recipient, filename string) string {
	return recipient + "|" + filename
}

// pendingHeaders remembers accepted FILE_HDR announcements of one
// connection. When full, the oldest announcement is dropped.
type pendingHeaders struct {
	limit   int
	seq     uint64
	entries map[string]pendingHeader
}

type pendingHeader struct {
	size int64
	seq  uint64
}

func newPendingHeaders(limit int) *pendingHeaders {
	return &pendingHeaders{limit: limit, entries: make(map[string]pendingHeader)}
}

// add records key and returns the key it evicted, if any.
func (p *pendingHeaders) add(key string, size int64) (evicted string, ok bool) {
	if _, exists := p.entries[key]; !exists && len(p.entries) >= p.limit {
		var oldest uint64
		for k, e := range p.entries {
			if !ok || e.seq < oldest {
				evicted, oldest, ok = k, e.seq, true
			}
		}
		delete(p.entries, evicted)
	}
	p.seq++
	p.entries[key] = pendingHeader{size: size, seq: p.seq}
	return evicted, ok
}

// take removes key and returns its declared size.
func (p *pendingHeaders) take(key string) (int64, bool) {
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	return e.size, ok
}

func (p *pendingHeaders) len() int {
	return len(p.entries)
}
