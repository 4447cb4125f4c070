// Package gateway implements the per-connection WebSocket state machine
// (spec.md §4.5) and the listener that accepts and upgrades sockets
// into sessions (spec.md §4.7). It follows the teacher's hub/cliente
// read-write-pump shape (ping ticker, pong deadline, buffered outbound
// frames) adapted to a single shared reactor instead of a fan-out hub.
package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mzimbres/occase-gateway/config"
	"github.com/mzimbres/occase-gateway/internal/channel"
)

// State is a position in the session state machine of spec.md §4.5.
// Connecting/TlsDetect/TlsHandshake/HttpRead are the acceptor's
// concern (internal/gateway/acceptor.go); a Session itself starts
// life already WsAccepted.
type State int

const (
	WsAccepted State = iota
	LoggedIn
	Closing
	Dead
)

const maxMessageSize = 64 * 1024

// Frame is one outbound message sitting in a session's send queue.
// Persist marks frames that must be spooled back to the user's Redis
// mailbox if the session dies before delivering them (chat messages);
// broadcast posts are not persisted since Redis's posts_key already
// makes them recoverable on the next subscribe/reconnect.
type Frame struct {
	Data    []byte
	Persist bool
}

// SubscriptionFilter is the consolidated per-session filter spec.md
// §9 asks for in place of the source's duplicated any_of_features /
// sub_channels / ranges storage.
type SubscriptionFilter struct {
	AnyOfFeatures uint64
	SubChannels   []uint64 // sorted ascending, capped at maxSubChannels
	Ranges        [][2]int // capped at maxRanges
}

// NewSubscriptionFilter builds a filter from a subscribe command's raw
// fields, truncating sub_channels/ranges to their configured caps
// (spec.md §8: "sub_channels vector silently truncates to 64 entries;
// ranges truncates to 5 pairs").
func NewSubscriptionFilter(anyOfFeatures uint64, subChannels []uint64, ranges [][2]int, maxSubChannels, maxRanges int) SubscriptionFilter {
	if maxSubChannels > 0 && len(subChannels) > maxSubChannels {
		subChannels = subChannels[:maxSubChannels]
	}
	if maxRanges > 0 && len(ranges) > maxRanges {
		ranges = ranges[:maxRanges]
	}
	sorted := append([]uint64(nil), subChannels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return SubscriptionFilter{AnyOfFeatures: anyOfFeatures, SubChannels: sorted, Ranges: ranges}
}

// ignore implements spec.md §4.5's three filter rules. true means the
// post should not be delivered.
func (f SubscriptionFilter) ignore(p *channel.Post) bool {
	if f.AnyOfFeatures != 0 && f.AnyOfFeatures&p.Features == 0 {
		return true
	}
	if len(f.SubChannels) > 0 {
		i := sort.Search(len(f.SubChannels), func(i int) bool { return f.SubChannels[i] >= p.Filter })
		if i >= len(f.SubChannels) || f.SubChannels[i] != p.Filter {
			return true
		}
	}
	for i, r := range f.Ranges {
		if i >= len(p.RangeValues) {
			break
		}
		v := p.RangeValues[i]
		if v < r[0] || v > r[1] {
			return true
		}
	}
	return false
}

// Session is one WebSocket connection. All fields the worker's single
// reactor goroutine mutates (UserID, filter, Remaining, pendingUserID)
// are only ever touched from that goroutine; fields shared with the
// read/write pump goroutines (alive, closing, pong bookkeeping, the
// frame queue) are synchronized explicitly.
type Session struct {
	conn *websocket.Conn
	cfg  config.SessionConfig

	mu     sync.Mutex
	queue  []Frame
	notify chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	alive   atomic.Bool
	logged  atomic.Bool
	pongMis int32

	state State

	// UserID and Filter are owned by the worker's reactor goroutine.
	UserID    string
	Filter    SubscriptionFilter
	Remaining int

	// OnFrame is invoked by the read pump for every decoded client
	// frame; it must not block. Set by the worker before Start.
	OnFrame func(raw []byte)
	// OnClose is invoked once, from the write pump goroutine, after the
	// socket is torn down, so the worker can clean up sessions/channel
	// membership and spool undelivered persist frames.
	OnClose func(s *Session)
}

// NewSession wraps an already-upgraded WebSocket connection.
func NewSession(conn *websocket.Conn, cfg config.SessionConfig) *Session {
	s := &Session{
		conn:   conn,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  WsAccepted,
	}
	s.alive.Store(true)
	return s
}

// Start launches the read and write pumps. Must be called once,
// after OnFrame/OnClose are set.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// Alive implements channel.Member.
func (s *Session) Alive() bool { return s.alive.Load() }

// Accepts implements channel.Member.
func (s *Session) Accepts(p *channel.Post) bool { return !s.Filter.ignore(p) }

// Deliver implements channel.Member: enqueue the pre-serialized
// broadcast envelope, never mutated, shared across every recipient.
func (s *Session) Deliver(sharedJSON []byte, _ *channel.Post) {
	s.enqueue(Frame{Data: sharedJSON, Persist: false})
}

// SendJSON marshals v and enqueues it as an outbound frame.
func (s *Session) SendJSON(v interface{}, persist bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.enqueue(Frame{Data: data, Persist: persist})
	return nil
}

// SendRaw enqueues an already-serialized frame, e.g. a stored chat
// message being replayed verbatim from the user's mailbox.
func (s *Session) SendRaw(data []byte, persist bool) {
	s.enqueue(Frame{Data: data, Persist: persist})
}

func (s *Session) enqueue(f Frame) {
	s.mu.Lock()
	if s.state == Dead {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SetLoggedIn transitions WsAccepted -> LoggedIn and stops pong-miss
// tracking from killing the connection.
func (s *Session) SetLoggedIn(userID string) {
	s.UserID = userID
	s.logged.Store(true)
	s.mu.Lock()
	s.state = LoggedIn
	s.mu.Unlock()
}

func (s *Session) isLoggedIn() bool { return s.logged.Load() }

// Shutdown is idempotent (spec.md §8: "calling shutdown() twice is a
// no-op on the second call"): it issues a close frame and tears down
// the socket exactly once.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closing
		s.mu.Unlock()
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
}

// Drain returns every still-queued persist-flagged frame, for the
// worker to spool back into the user's mailbox on teardown, and marks
// the session Dead so any late Deliver/SendJSON calls are no-ops.
func (s *Session) Drain() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Dead
	s.alive.Store(false)
	var persisted []Frame
	for _, f := range s.queue {
		if f.Persist {
			persisted = append(persisted, f)
		}
	}
	s.queue = nil
	return persisted
}

func (s *Session) writePump() {
	pongWait := s.cfg.IdleTimeout
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingPeriod := (pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Shutdown()
		if s.OnClose != nil {
			s.OnClose(s)
		}
	}()

	for {
		select {
		case <-s.notify:
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				f := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()

				s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := s.conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
					return
				}
			}
		case <-ticker.C:
			if !s.isLoggedIn() {
				missLimit := int32(s.cfg.PongMissLimit)
				if missLimit <= 0 {
					missLimit = 2
				}
				if atomic.AddInt32(&s.pongMis, 1) > missLimit {
					return
				}
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readPump() {
	defer s.Shutdown()

	s.conn.SetReadLimit(maxMessageSize)
	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&s.pongMis, 0)
		s.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.OnFrame != nil {
			s.OnFrame(data)
		}
	}
}
