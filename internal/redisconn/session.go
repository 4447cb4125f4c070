// Package redisconn implements a single pipelined, auto-reconnecting
// Redis connection (spec.md §4.2). It owns exactly one net.Conn at a
// time; higher-level command sequencing and reply tagging live in
// internal/redisfacade.
package redisconn

import (
	"bufio"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzimbres/occase-gateway/internal/resp"
)

// ErrClosed is returned by Send after an explicit Close; the session
// will not reconnect and will not accept further writes.
var ErrClosed = errors.New("redisconn: session closed")

// Options configures a Session.
type Options struct {
	// Addr is used when SentinelAddrs is empty.
	Addr string

	// SentinelAddrs, when non-empty, are tried in order on every
	// (re)connect attempt; the first to answer
	// "SENTINEL get-master-addr-by-name" is promoted to the head of
	// the list for the next attempt, per spec.md §4.2.
	SentinelAddrs []string
	MasterName    string

	RetryInterval   time.Duration
	MaxPipelineSize int

	// OnConnect fires after any pre-existing queued writes have been
	// flushed to the new connection, so callers can safely issue
	// follow-up commands (e.g. re-SUBSCRIBE) that must be ordered
	// after whatever was already pending.
	OnConnect func()

	// OnMessage fires once per decoded top-level reply, in arrival
	// order.
	OnMessage func(resp.Reply)

	// Logger receives debug-level connection lifecycle messages. If
	// nil, log.Default() is used.
	Logger *log.Logger
}

// Session is a single Redis TCP connection with a pipelined send
// queue and automatic reconnect.
type Session struct {
	opts Options
	log  *log.Logger

	mu        sync.Mutex
	conn      net.Conn
	closing   bool
	writeCh   chan []byte
	connected bool

	closeOnce sync.Once
	done      chan struct{}

	dialer     sentinelDialer
	reconnects int64
	dialed     bool
}

func NewSession(opts Options) *Session {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.MaxPipelineSize <= 0 {
		opts.MaxPipelineSize = 64
	}
	l := opts.Logger
	if l == nil {
		l = log.Default()
	}
	return &Session{
		opts:    opts,
		log:     l,
		writeCh: make(chan []byte, opts.MaxPipelineSize),
		done:    make(chan struct{}),
		dialer: sentinelDialer{
			addr:       opts.Addr,
			sentinels:  append([]string(nil), opts.SentinelAddrs...),
			masterName: opts.MasterName,
		},
	}
}

// Run drives the connect/read/write/reconnect loop until Close is
// called. Callers run it in its own goroutine.
func (s *Session) Run() {
	for {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return
		}

		conn, err := s.dialer.dial()
		if err != nil {
			s.log.Printf("redisconn: dial failed: %v", err)
			time.Sleep(s.opts.RetryInterval)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.connected = true
		if s.dialed {
			atomic.AddInt64(&s.reconnects, 1)
		}
		s.dialed = true
		s.mu.Unlock()

		if s.opts.OnConnect != nil {
			s.opts.OnConnect()
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.readLoop(conn)
		}()
		go func() {
			defer wg.Done()
			s.writeLoop(conn)
		}()
		wg.Wait()

		s.mu.Lock()
		s.connected = false
		closing = s.closing
		s.mu.Unlock()
		if closing {
			return
		}
		time.Sleep(s.opts.RetryInterval)
	}
}

// Send enqueues a fully-encoded command (or sequence of commands) for
// the wire. Consecutive sends are pipelined: the writer goroutine
// drains whatever is ready on writeCh and concatenates it into one
// write, up to MaxPipelineSize queued elements.
func (s *Session) Send(cmd []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.writeCh <- cmd:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close performs an explicit shutdown: no further reconnect attempts
// are made, in contrast to a peer-initiated disconnect. done is closed
// exactly once (via closeOnce) so writeLoop/Send observe shutdown
// through a single channel instead of racing on writeCh itself — a
// concurrent Send that wins the race onto the wire before shutdown is
// harmless, but a Send racing a close of writeCh is not.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) readLoop(conn net.Conn) {
	d := resp.NewDecoder(bufio.NewReader(conn))
	for {
		rep, err := d.ReadReply()
		if err != nil {
			s.log.Printf("redisconn: read error, reconnecting: %v", err)
			conn.Close()
			return
		}
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(rep)
		}
	}
}

func (s *Session) writeLoop(conn net.Conn) {
	for {
		var buf []byte
		select {
		case cmd := <-s.writeCh:
			buf = cmd
		case <-s.done:
			return
		}
		// Concatenate whatever else is already queued, bounded by
		// MaxPipelineSize, to pipeline bursts into one write.
	drain:
		for i := 0; i < s.opts.MaxPipelineSize; i++ {
			select {
			case next := <-s.writeCh:
				buf = append(buf, next...)
			default:
				break drain
			}
		}
		if _, err := conn.Write(buf); err != nil {
			s.log.Printf("redisconn: write error, reconnecting: %v", err)
			conn.Close()
			return
		}
	}
}

// Connected reports whether the session currently has a live socket.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Reconnects counts how many times this session has re-dialed after
// its first successful connection; exposed for operator stats.
func (s *Session) Reconnects() int64 {
	return atomic.LoadInt64(&s.reconnects)
}
