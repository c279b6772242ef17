package server

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Sink receives the lines pushed to one client connection.
type Sink interface {
	WriteLine(line string) error
	Close() error
}

// connWriter serializes writes to a connection so that command replies and
// pushes coming from other workers never interleave within a line.
type connWriter struct {
	conn    net.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newConnWriter(conn net.Conn, timeout time.Duration) *connWriter {
	return &connWriter{conn: conn, timeout: timeout}
}

func (w *connWriter) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}
	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err := io.WriteString(w.conn, line)
	return err
}

func (w *connWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}
