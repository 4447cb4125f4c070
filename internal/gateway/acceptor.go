package gateway

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/mzimbres/occase-gateway/config"
)

// Acceptor binds SO_REUSEPORT so several worker processes on the same
// host can share a listen port (spec.md §4.7, §5). Each accepted
// connection is TLS-detected from its first byte, then upgraded to a
// WebSocket and handed to Handler.
type Acceptor struct {
	ln        net.Listener
	cfg       config.SessionConfig
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader

	// Handler receives every newly accepted session. It is expected to
	// register the session with the worker and call Session.Start.
	Handler func(*Session)
}

// Listen opens addr with SO_REUSEPORT set, so multiple processes can
// bind the same port (the source's multi-thread-per-process model is
// explicitly deprecated in favour of this one, per spec.md §5).
func Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: setReusePort}
	return lc.Listen(context.Background(), "tcp", addr)
}

func setReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// NewAcceptor wraps an already-listening socket. tlsConfig may be nil,
// in which case any TLS ClientHello is rejected (plaintext-only
// deployment); certificate loading itself is external to this package.
func NewAcceptor(ln net.Listener, cfg config.SessionConfig, tlsConfig *tls.Config) *Acceptor {
	return &Acceptor{
		ln:        ln,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, which is how shutdown is requested (spec.md §4.6: "cancel
// the acceptor" is the first step of the shutdown sequence).
func (a *Acceptor) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.ln.Close()
	}()

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("acceptor: accept error: %v", err)
			continue
		}
		go a.handle(conn)
	}
}

func (a *Acceptor) handle(conn net.Conn) {
	if a.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	}

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}
	pc := &peekedConn{Conn: conn, r: br}

	var finalConn net.Conn = pc
	if first[0] == 0x16 { // TLS handshake record type
		if a.tlsConfig == nil {
			conn.Close()
			return
		}
		finalConn = tls.Server(pc, a.tlsConfig)
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wsConn, err := a.upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.SetDeadline(time.Time{}) // idle timeout takes over from here
			s := NewSession(wsConn, a.cfg)
			if a.Handler != nil {
				a.Handler(s)
			}
		}),
	}
	srv.Serve(newSingleConnListener(finalConn))
}

// peekedConn lets the HTTP/TLS machinery keep reading through the
// bufio.Reader that already consumed the detection byte.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// singleConnListener hands out exactly one already-accepted
// connection, the idiom for running net/http's upgrade machinery over
// a socket this package already owns.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
	done chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn })
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, io.EOF
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
