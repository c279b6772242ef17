package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lanchat/models"
	"lanchat/protocol"
	"lanchat/store"
)

// Transfer rejection reasons reported in FILE_HDR_STATUS and FILE_STATUS.
const (
	ReasonExtNotAllowed = "ext_no_permitida"
	ReasonTooLarge      = "tamano_excedido"
	ReasonBadSize       = "size_no_valido"
	ReasonBadBase64     = "base64_invalido"
	ReasonSaveError     = "save_error"
	ReasonNoHeader      = "sin_encabezado"
)

const (
	DefaultUploadDir = "Archivos_enviados"
	DefaultMaxSizeMB = 200
)

var DefaultAllowedExtensions = []string{"txt", "bin"}

// FileValidationError rejects an upload. Filename is the name echoed back
// to the client in the status line.
type FileValidationError struct {
	Filename string
	Reason   string
}

func (e *FileValidationError) Error() string {
	return fmt.Sprintf("file %q rejected: %s", e.Filename, e.Reason)
}

type UploadConfig struct {
	Dir               string
	MaxSizeMB         int64
	AllowedExtensions []string
}

// fileStores is the slice of the store a transfer touches.
type fileStores interface {
	store.UserDirectory
	store.MessageStore
	store.FileStore
}

// FilePipeline validates, stores, records and forwards uploaded files.
type FilePipeline struct {
	dir      string
	maxBytes int64
	allowed  map[string]struct{}

	registry *Registry
	stores   fileStores
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Upload is a file that has been written under the upload root.
type Upload struct {
	Sender    string
	SenderID  int64
	SessionID string
	Recipient string
	Filename  string // sanitized
	Payload   string // base64 as received
	Path      string
	Size      int64
}

func NewFilePipeline(cfg UploadConfig, registry *Registry, stores fileStores, log *zap.Logger, metrics *Metrics, now func() time.Time) *FilePipeline {
	if cfg.Dir == "" {
		cfg.Dir = DefaultUploadDir
	}
	if cfg.MaxSizeMB < 1 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}
	if cfg.AllowedExtensions == nil {
		cfg.AllowedExtensions = DefaultAllowedExtensions
	}
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}

	return &FilePipeline{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxSizeMB * 1024 * 1024,
		allowed:  allowed,
		registry: registry,
		stores:   stores,
		log:      log.Named("files"),
		metrics:  metrics,
		now:      now,
	}
}

// MaxBytes is the largest accepted upload.
func (p *FilePipeline) MaxBytes() int64 {
	return p.maxBytes
}

// CheckHeader validates an announced upload without touching storage and
// returns the declared size.
func (p *FilePipeline) CheckHeader(filename, size string) (int64, error) {
	declared, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil || declared < 0 {
		return 0, p.reject(filename, ReasonBadSize)
	}
	if !p.extensionAllowed(filename) {
		return 0, p.reject(filename, ReasonExtNotAllowed)
	}
	if declared > p.maxBytes {
		return 0, p.reject(filename, ReasonTooLarge)
	}
	return declared, nil
}

// Store decodes payload and writes it under the upload root as
// <epoch-millis>_<sender>_<filename>. checkExt is set for the single-step
// FILE command, which has no header phase.
func (p *FilePipeline) Store(sender, recipient, filename, payload string, checkExt bool) (*Upload, error) {
	// Reject oversized payloads before allocating the decoded buffer.
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > p.maxBytes+3 {
		return nil, p.reject(filename, ReasonTooLarge)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, p.reject(filename, ReasonBadBase64)
	}
	if int64(len(data)) > p.maxBytes {
		p.log.Warn("rejecting oversized file",
			zap.String("sender", sender), zap.Int("bytes", len(data)), zap.Int64("limit", p.maxBytes))
		return nil, p.reject(filename, ReasonTooLarge)
	}

	filename = SanitizeFilename(filename)
	if checkExt && !p.extensionAllowed(filename) {
		return nil, p.reject(filename, ReasonExtNotAllowed)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		p.log.Error("cannot create upload dir", zap.String("dir", p.dir), zap.Error(err))
	}
	name := fmt.Sprintf("%d_%s_%s", p.now().UnixMilli(), SanitizeFilename(sender), filename)
	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.log.Error("cannot save file", zap.String("path", path), zap.Error(err))
		return nil, p.reject(filename, ReasonSaveError)
	}

	p.log.Info("file saved",
		zap.String("sender", sender), zap.String("recipient", recipient),
		zap.String("path", path), zap.Int("bytes", len(data)))
	p.metrics.RecordFileTransfer("ok")

	return &Upload{
		Sender:    sender,
		Recipient: recipient,
		Filename:  filename,
		Payload:   payload,
		Path:      path,
		Size:      int64(len(data)),
	}, nil
}

// Persist records the file and one FILE message per recipient. Failures are
// logged only.
func (p *FilePipeline) Persist(ctx context.Context, u *Upload) {
	fileID, err := p.stores.InsertFile(ctx, u.Filename, u.Path, u.Size, u.SenderID)
	if err != nil {
		p.log.Error("cannot record file", zap.String("filename", u.Filename), zap.Error(err))
		return
	}

	for _, receiverID := range resolveRecipients(ctx, p.registry, p.stores, p.log, u.Sender, u.Recipient) {
		m := &models.Message{
			SenderID:   u.SenderID,
			ReceiverID: &receiverID,
			Type:       models.MessageFile,
			Content:    u.Filename,
			FileID:     &fileID,
			SessionID:  optionalString(u.SessionID),
			CreatedAt:  p.now(),
		}
		if _, err := p.stores.InsertMessage(ctx, m); err != nil {
			p.log.Error("cannot record file message",
				zap.String("filename", u.Filename), zap.Int64("receiver_id", receiverID), zap.Error(err))
		}
	}
}

// Forward pushes the file and its chat notice to the recipient(s). For a
// unicast the sender gets a MSG_ECHO on self.
func (p *FilePipeline) Forward(u *Upload, self Sink) {
	notice := protocol.FileNotice(u.Filename)
	forward := protocol.FileFrom(u.Sender, u.Filename, u.Payload)

	if protocol.IsBroadcast(u.Recipient) {
		p.registry.BroadcastMessage(u.Sender, notice)
		p.registry.Broadcast(u.Sender, forward)
		return
	}

	if !p.registry.SendTo(u.Recipient, forward) {
		p.log.Warn("file not delivered, recipient offline",
			zap.String("recipient", u.Recipient), zap.String("filename", u.Filename))
	}
	if !p.registry.SendTo(u.Recipient, protocol.MsgFrom(u.Sender, notice)) {
		p.log.Debug("file notice not delivered", zap.String("recipient", u.Recipient))
	}
	if err := self.WriteLine(protocol.MsgEcho(u.Sender, u.Recipient, notice)); err != nil {
		p.log.Warn("cannot echo file to sender", zap.String("sender", u.Sender), zap.Error(err))
	}
}

func (p *FilePipeline) extensionAllowed(filename string) bool {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 || idx == len(filename)-1 {
		return false
	}
	_, ok := p.allowed[strings.ToLower(filename[idx+1:])]
	return ok
}

func (p *FilePipeline) reject(filename, reason string) error {
	p.metrics.RecordFileTransfer(reason)
	return &FileValidationError{Filename: filename, Reason: reason}
}

var separatorRun = regexp.MustCompile(`[\\/]+`)

// SanitizeFilename replaces every run of path separators with "_".
func SanitizeFilename(name string) string {
	return separatorRun.ReplaceAllString(name, "_")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
