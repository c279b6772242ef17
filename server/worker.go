package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"lanchat/models"
	"lanchat/protocol"
)

var errLineTooLong = errors.New("line too long")

const (
	// lineOverhead covers the verb and the recipient|filename| fields
	// around a FILE_DATA payload.
	lineOverhead = 4096
	// retainedLineBuffer bounds the read buffer kept between lines.
	retainedLineBuffer = 64 * 1024
	// maxPendingHeaders bounds accepted FILE_HDR announcements awaiting data.
	maxPendingHeaders = 32
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateTerminated
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// worker runs the command loop of one client socket.
type worker struct {
	srv     *Server
	conn    net.Conn
	out     *connWriter
	reader  *bufio.Reader
	ip      string
	remote  string
	log     *zap.Logger
	maxLine int

	state     connState
	user      string
	account   *models.User // nil if the directory lookup failed
	sessionID string

	pending *pendingHeaders
}

func (s *Server) newWorker(conn net.Conn) *worker {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &worker{
		srv:     s,
		conn:    conn,
		out:     newConnWriter(conn, s.config.WriteTimeout),
		reader:  bufio.NewReader(conn),
		ip:      hostIP(conn.RemoteAddr()),
		remote:  remote,
		log:     s.log.Named("worker").With(zap.String("remote", remote)),
		maxLine: base64.StdEncoding.EncodedLen(int(s.files.MaxBytes())) + lineOverhead,
		state:   stateUnauthenticated,
		pending: newPendingHeaders(maxPendingHeaders),
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.terminate(ctx)

	w.log.Info("new client connected")
	if err := w.out.WriteLine(protocol.Welcome); err != nil {
		w.log.Warn("cannot greet client", zap.Error(err))
		return
	}

	var line []byte
	for {
		if w.srv.config.ReadTimeout > 0 {
			w.conn.SetReadDeadline(time.Now().Add(w.srv.config.ReadTimeout))
		}
		var err error
		line, err = w.readLine(line)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				// Idle peer: keep waiting, the read deadline only detects dead sockets.
				if ctx.Err() != nil {
					return
				}
				continue
			case errors.Is(err, errLineTooLong):
				w.srv.metrics.RecordCommand("OVERSIZED")
				w.log.Warn("line exceeds limit, closing connection",
					zap.Int("limit", w.maxLine), zap.String("state", w.state.String()))
			case errors.Is(err, io.EOF):
				if len(line) > 0 {
					w.handleLine(ctx, string(line))
				}
			case !errors.Is(err, net.ErrClosed):
				w.log.Warn("error reading from client", zap.Error(err))
			}
			return
		}

		keep := w.handleLine(ctx, string(line))
		line = line[:0]
		if cap(line) > retainedLineBuffer {
			line = nil
		}
		if !keep {
			return
		}
	}
}

// readLine appends the next line to buf. Data read before a timeout stays
// in buf so the caller can resume. Lines longer than maxLine fail with
// errLineTooLong before they are buffered in full.
func (w *worker) readLine(buf []byte) ([]byte, error) {
	for {
		chunk, err := w.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > w.maxLine {
			return buf, errLineTooLong
		}
		buf = append(buf, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return buf, err
		}
	}
}

// handleLine processes one client line and reports whether the loop should
// keep reading.
func (w *worker) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return true
	}
	if !strings.HasPrefix(line, "LOGIN ") && !strings.HasPrefix(line, "REGISTER ") {
		w.log.Debug("received", zap.String("line", truncate(line, 120)))
	}

	cmd, err := protocol.Parse(line)
	if err != nil {
		var parseErr *protocol.ParseError
		switch {
		case errors.As(err, &parseErr):
			w.srv.metrics.RecordCommand(string(parseErr.Verb))
			if parseErr.Verb.RequiresAuth() && w.state != stateAuthenticated {
				w.reply(protocol.Error(protocol.CodeNotAuthenticated))
				return true
			}
			w.log.Info("malformed command", zap.Error(err))
			w.reply(protocol.FormatError(parseErr))
		default:
			w.srv.metrics.RecordCommand("UNKNOWN")
			w.reply(protocol.Error(protocol.CodeUnknownCommand))
		}
		return true
	}

	verb := cmd.Verb()
	w.srv.metrics.RecordCommand(string(verb))
	if verb.RequiresAuth() && w.state != stateAuthenticated {
		w.log.Warn("command before login", zap.String("verb", string(verb)))
		w.reply(protocol.Error(protocol.CodeNotAuthenticated))
		return true
	}

	switch c := cmd.(type) {
	case protocol.Register:
		w.handleRegister(ctx, c)
	case protocol.Login:
		w.handleLogin(ctx, c)
	case protocol.Msg:
		w.handleMessage(ctx, c)
	case protocol.FileHeader:
		w.handleFileHeader(c)
	case protocol.FileData:
		w.handleFileData(ctx, c)
	case protocol.Quit:
		w.reply(protocol.Bye)
		return false
	}
	return true
}

func (w *worker) reply(line string) {
	if err := w.out.WriteLine(line); err != nil {
		w.log.Warn("error writing to client", zap.Error(err))
	}
}

// terminate releases everything the connection holds. Store calls run on a
// context detached from server shutdown so the session is still closed.
func (w *worker) terminate(ctx context.Context) {
	prev := w.state
	w.state = stateTerminated

	if prev != stateAuthenticated {
		w.out.Close()
		w.log.Info("client disconnected without logging in")
		return
	}

	// The session is closed while the sink is still registered: anything
	// stored after the cutoff is replayed on the next login.
	if w.sessionID != "" {
		err := w.srv.store.CloseSession(context.WithoutCancel(ctx), w.sessionID, w.srv.now(), models.SessionClosed)
		if err != nil {
			w.log.Error("cannot close session", zap.String("session", w.sessionID), zap.Error(err))
		}
	}
	w.srv.registry.Release(w.user, w.ip, w.out)
	w.out.Close()
	w.log.Info("client disconnected", zap.String("user", w.user))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
