package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var aLongTimeAgo = time.Unix(1, 0)

// Session is the one live client connection. Both per-session tasks poll
// the active flag before each blocking operation.
type Session struct {
	id      string
	conn    net.Conn
	remote  string
	started time.Time

	active    atomic.Bool
	closeOnce sync.Once
}

func newSession(conn net.Conn) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		started: time.Now(),
	}
	s.active.Store(true)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.remote }

func (s *Session) Active() bool { return s.active.Load() }

// close marks the session inactive and tears the socket down so any task
// blocked in Read or Write returns.
func (s *Session) close() {
	s.active.Store(false)
	s.closeOnce.Do(func() {
		shutdownConn(s.conn)
	})
}

// shutdownConn expires pending I/O, half-closes both directions where the
// transport allows it, then releases the descriptor.
func shutdownConn(conn net.Conn) {
	_ = conn.SetDeadline(aLongTimeAgo)
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
	}
	_ = conn.Close()
}
