package worker

import (
	"encoding/json"
	"log"
	"time"

	"github.com/mzimbres/occase-gateway/internal/channel"
	"github.com/mzimbres/occase-gateway/internal/gateway"
)

// handleFrame decodes one client frame and dispatches on its cmd
// field. A frame with a missing/unknown cmd, or one issued from the
// wrong auth state, is a protocol violation: per spec.md §7 kind 1,
// the session is shut down. A panic anywhere below (malformed input
// reaching a handler bug, a nil dereference) is recovered here too and
// treated the same way: the offending session is kicked rather than
// taking down the reactor goroutine and every other session with it
// (SPEC_FULL.md §7).
func (w *Worker) handleFrame(h Handle, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: panic handling frame for session %v: %v", h, r)
			w.kick(h)
		}
	}()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		w.kick(h)
		return
	}

	switch env.Cmd {
	case "register":
		var m registerMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handleRegister(h, m)
	case "login":
		var m loginMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handleLogin(h, m)
	case "subscribe":
		var m subscribeMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handleSubscribe(h, m)
	case "publish":
		var m publishMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handlePublish(h, m)
	case "message":
		var m messageMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handleMessageCmd(h, m)
	case "presence":
		var m presenceMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handlePresence(h, m, raw)
	case "delete":
		var m deleteMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handleDelete(h, m)
	case "filenames":
		var m filenamesMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			w.kick(h)
			return
		}
		w.handleFilenames(h, m)
	default:
		w.kick(h)
	}
}

func (w *Worker) kick(h Handle) {
	if s, ok := w.table.Lookup(h); ok {
		s.Shutdown()
	}
}

func (w *Worker) handleRegister(h Handle, m registerMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if loggedIn(s) {
		s.Shutdown()
		return
	}
	w.regQueue = append(w.regQueue, regReq{handle: h, token: m.Token})
	if len(w.regQueue) == 1 {
		w.facade.RequestUserID()
	}
}

func (w *Worker) handleLogin(h Handle, m loginMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if loggedIn(s) {
		s.Shutdown()
		return
	}
	w.loginQueue = append(w.loginQueue, loginReq{handle: h, userID: m.User, password: m.Password, token: m.Token})
	w.facade.RetrieveUserData(m.User)
}

func (w *Worker) handleSubscribe(h Handle, m subscribeMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if !loggedIn(s) {
		s.Shutdown()
		return
	}

	s.Filter = gateway.NewSubscriptionFilter(m.AnyOfFeatures, m.Filters, m.Ranges, w.cfg.Session.MaxSubChannels, w.cfg.Session.MaxRanges)
	w.channel.AddMember(s)

	posts := w.channel.GetPosts(m.LastPostID, w.cfg.Channel.MaxPostsOnSub, func(p *channel.Post) bool {
		return s.Accepts(p)
	})
	s.SendJSON(subscribeAck{Cmd: "subscribe_ack", Result: "ok"}, false)
	if len(posts) > 0 {
		s.SendJSON(postEnvelope{Cmd: "post", Items: posts}, false)
	}
}

func (w *Worker) handlePublish(h Handle, m publishMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if !loggedIn(s) {
		s.Shutdown()
		return
	}
	if len(m.Items) == 0 {
		return
	}
	if s.Remaining < 1 {
		s.SendJSON(publishAck{Cmd: "publish_ack", Result: "fail"}, false)
		return
	}

	p := m.Items[0]
	p.From = s.UserID
	p.Date = time.Now().Unix()
	p.Filter = w.taxonomy.Filter(p.To)

	w.postQueue = append(w.postQueue, postReq{handle: h, post: p})
	w.facade.RequestPostID()
}

func (w *Worker) handleMessageCmd(h Handle, m messageMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if !loggedIn(s) {
		s.Shutdown()
		return
	}

	ack := messageServerAck{Cmd: "message", From: s.UserID, PostID: m.PostID, AckID: m.ID, Type: "server_ack", Result: "ok"}
	s.SendJSON(ack, false)

	deliver := messageDeliver{Cmd: "message", From: s.UserID, PostID: m.PostID, Message: m.Message, Type: m.Type, ID: m.ID}

	if toHandle, ok := w.sessions[m.To]; ok {
		if toSession, ok2 := w.table.Lookup(toHandle); ok2 {
			toSession.SendJSON(deliver, true)
			return
		}
	}
	data, _ := json.Marshal(deliver)
	w.facade.StoreChatMsg(m.To, string(data))
}

// handlePresence forwards raw unchanged to a local recipient, or
// PUBLISHes it on pc:<to> for a remote/offline one; it is always
// best-effort and drops silently if neither applies (spec.md §4.6).
func (w *Worker) handlePresence(h Handle, m presenceMsg, raw []byte) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if !loggedIn(s) {
		s.Shutdown()
		return
	}

	if toHandle, ok := w.sessions[m.To]; ok {
		if toSession, ok2 := w.table.Lookup(toHandle); ok2 {
			toSession.SendRaw(raw, false)
			return
		}
	}
	w.facade.SendPresence(m.To, string(raw))
}

func (w *Worker) handleDelete(h Handle, m deleteMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if !loggedIn(s) {
		s.Shutdown()
		return
	}

	w.channel.RemovePost(m.ID, s.UserID)
	cmd, _ := json.Marshal(deleteCommand{Cmd: "delete", ID: m.ID, From: s.UserID})
	w.facade.RemovePost(m.ID, string(cmd))

	s.SendJSON(deleteAck{Cmd: "delete_ack", Result: "ok"}, false)
}

func (w *Worker) handleFilenames(h Handle, m filenamesMsg) {
	s, ok := w.table.Lookup(h)
	if !ok {
		return
	}
	if !loggedIn(s) {
		s.Shutdown()
		return
	}

	n := m.Count
	if n <= 0 {
		n = 1
	}
	names, err := w.mms.GenerateNames(n)
	if err != nil {
		s.SendJSON(filenamesAck{Cmd: "filenames_ack", Result: "fail"}, false)
		return
	}
	s.SendJSON(filenamesAck{Cmd: "filenames_ack", Result: "ok", Names: names}, false)
}
