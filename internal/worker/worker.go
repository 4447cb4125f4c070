// Package worker implements the dispatcher of spec.md §4.6: the single
// reactor goroutine that owns the channel store, the Redis facade, the
// user-id -> session table, and the three in-flight request queues
// (post, register, login), routing every inbound WebSocket frame and
// every Redis reply to its handler.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/mzimbres/occase-gateway/config"
	"github.com/mzimbres/occase-gateway/internal/channel"
	"github.com/mzimbres/occase-gateway/internal/gateway"
	"github.com/mzimbres/occase-gateway/internal/mms"
	"github.com/mzimbres/occase-gateway/internal/redisfacade"
	"github.com/mzimbres/occase-gateway/internal/taxonomy"
)

type postReq struct {
	handle Handle
	post   channel.Post
	// result is non-nil only for an admin-issued publish
	// (Worker.AdminPublish): it carries the assigned id back to the
	// HTTP handler instead of acking a WebSocket session.
	result chan int64
}

type regReq struct {
	handle Handle
	token  string
}

type loginReq struct {
	handle   Handle
	userID   string
	password string
	token    string
}

type pendingReg struct {
	handle   Handle
	password string
	token    string
}

// Worker is the per-process reactor. Every field below is read and
// mutated exclusively from the goroutine running Run, so nothing here
// needs a mutex (spec.md §5: "no locks inside the worker").
type Worker struct {
	cfg      *config.Config
	facade   *redisfacade.Facade
	channel  *channel.Channel
	taxonomy *taxonomy.Encoder
	mms      *mms.Signer

	cmdCh chan func(*Worker)

	table    *SessionTable
	sessions map[string]Handle

	postQueue   []postReq
	regQueue    []regReq
	loginQueue  []loginReq
	pendingRegs map[string]pendingReg

	lastPostID int64

	started bool
	onReady func()
}

// New constructs a Worker; call Start to begin loading posts and Run
// to drive the reactor loop.
func New(cfg *config.Config, facade *redisfacade.Facade, ch *channel.Channel, tax *taxonomy.Encoder, signer *mms.Signer) *Worker {
	return &Worker{
		cfg:         cfg,
		facade:      facade,
		channel:     ch,
		taxonomy:    tax,
		mms:         signer,
		cmdCh:       make(chan func(*Worker), 1024),
		table:       NewSessionTable(),
		sessions:    make(map[string]Handle),
		pendingRegs: make(map[string]pendingReg),
	}
}

// Submit enqueues fn to run on the reactor goroutine. Safe to call
// from any goroutine (acceptor, session read/write pumps).
func (w *Worker) Submit(fn func(*Worker)) {
	w.cmdCh <- fn
}

// Start requests the initial post catalog. onReady fires once, after
// the first posts-list reply, so the caller can open the acceptor only
// once the in-memory channel store reflects Redis (spec.md §4.6:
// "then (first time only) open the acceptor for new connections").
func (w *Worker) Start(onReady func()) {
	w.onReady = onReady
	w.facade.RetrievePosts(w.lastPostID + 1)
}

// Accept wires a newly upgraded session into the worker; intended to
// be called as an acceptor.Acceptor.Handler, wrapped in Submit so the
// session table is only ever touched from the reactor goroutine.
func (w *Worker) Accept(s *gateway.Session) {
	w.Submit(func(w *Worker) { w.handleAccept(s) })
}

func (w *Worker) handleAccept(s *gateway.Session) {
	h := w.table.Insert(s)
	s.OnFrame = func(raw []byte) { w.Submit(func(w *Worker) { w.handleFrame(h, raw) }) }
	s.OnClose = func(*gateway.Session) { w.Submit(func(w *Worker) { w.handleSessionClose(h) }) }
	s.Start()
}

func (w *Worker) handleSessionClose(h Handle) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	persisted := s.Drain()
	if s.UserID != "" {
		if cur, exists := w.sessions[s.UserID]; exists && cur == h {
			delete(w.sessions, s.UserID)
			w.facade.OnUserOffline(s.UserID)
		}
		if len(persisted) > 0 {
			raws := make([]string, len(persisted))
			for i, f := range persisted {
				raws[i] = string(f.Data)
			}
			w.facade.StoreChatMsg(s.UserID, raws...)
		}
	}
	w.table.Remove(h)
}

// Run drives the reactor: every inbound command closure and every
// Redis facade event is handled to completion before the next one is
// read, so no handler ever interleaves with another (spec.md §5).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case fn := <-w.cmdCh:
			w.safeCall(func() { fn(w) })
		case ev, ok := <-w.facade.Events():
			if !ok {
				return
			}
			w.safeCall(func() { w.handleRedisEvent(ev) })
		case <-ctx.Done():
			w.shutdown()
			return
		}
	}
}

// safeCall runs fn with the catch-all recover() SPEC_FULL.md §7
// mandates for every dispatcher/reply-routing handler, mirroring
// spec.md §7's "every async callback is noexcept" propagation rule: a
// panicking handler is logged with context and treated as a kind-1
// protocol violation, not a crash of the whole reactor goroutine.
func (w *Worker) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: handler panic recovered: %v", r)
		}
	}()
	fn()
}

// shutdown implements spec.md §4.6's shutdown sequence: every live
// session is closed (spooling any undelivered persist frames back to
// Redis first), then every Redis session is closed.
func (w *Worker) shutdown() {
	for _, h := range w.sessions {
		s, ok := w.table.Lookup(h)
		if !ok {
			continue
		}
		persisted := s.Drain()
		if len(persisted) > 0 {
			raws := make([]string, len(persisted))
			for i, f := range persisted {
				raws[i] = string(f.Data)
			}
			w.facade.StoreChatMsg(s.UserID, raws...)
		}
		s.Shutdown()
	}
	w.facade.Close()
}

// AdminSnapshot is a point-in-time view of worker state for the admin
// `GET /stats` surface (SPEC_FULL.md §4.8).
type AdminSnapshot struct {
	Sessions       int
	ChannelPosts   int
	ChannelMembers int
	LastPostID     int64
	PostQueue      int
	RegQueue       int
	LoginQueue     int
}

// Snapshot reads worker state from the admin HTTP goroutine. It
// submits a closure onto the reactor and blocks for the reply, the
// same discipline every other external caller (acceptor, gateway
// sessions) uses to touch worker state (spec.md §5: "no locks inside
// the worker").
func (w *Worker) Snapshot() AdminSnapshot {
	result := make(chan AdminSnapshot, 1)
	w.Submit(func(w *Worker) {
		result <- AdminSnapshot{
			Sessions:       len(w.sessions),
			ChannelPosts:   w.channel.Len(),
			ChannelMembers: w.channel.MemberCount(),
			LastPostID:     w.lastPostID,
			PostQueue:      len(w.postQueue),
			RegQueue:       len(w.regQueue),
			LoginQueue:     len(w.loginQueue),
		}
	})
	return <-result
}

// SearchPosts runs channel.Channel.GetPosts on the reactor goroutine,
// backing the admin `POST /posts/search` surface.
func (w *Worker) SearchPosts(startID int64, max int, predicate func(*channel.Post) bool) []channel.Post {
	result := make(chan []channel.Post, 1)
	w.Submit(func(w *Worker) {
		result <- w.channel.GetPosts(startID, max, predicate)
	})
	return <-result
}

// AdminPublish issues an operator-side publish that bypasses the
// per-user quota (SPEC_FULL.md §4.8), reusing the same
// request-post-id -> ZADD/PUBLISH path handlePublish uses so there is
// exactly one publish code path in the whole worker.
func (w *Worker) AdminPublish(p channel.Post, from string) int64 {
	p.From = from
	p.Date = time.Now().Unix()
	p.Filter = w.taxonomy.Filter(p.To)

	result := make(chan int64, 1)
	w.Submit(func(w *Worker) {
		w.postQueue = append(w.postQueue, postReq{post: p, result: result})
		w.facade.RequestPostID()
	})
	return <-result
}

// ReloadTaxonomy swaps the taxonomy encoder atomically from the
// worker's reactor goroutine, backing the admin `POST
// /taxonomy/reload` surface supplemented from original_source's
// client_mgr_cg.cpp (SPEC_FULL.md §4.9).
func (w *Worker) ReloadTaxonomy(locationCodes, productCodes []int) {
	done := make(chan struct{})
	w.Submit(func(w *Worker) {
		w.taxonomy = taxonomy.NewEncoder(locationCodes, productCodes)
		close(done)
	})
	<-done
}

func loggedIn(s *gateway.Session) bool { return s.UserID != "" }

func (w *Worker) quotaDeadline() int64 {
	return time.Now().Add(w.cfg.Quota.PostInterval).Unix()
}

func logRedisError(op string, ev redisfacade.Event) {
	log.Printf("worker: redis op %s failed: %s", op, ev.ErrMsg)
}
