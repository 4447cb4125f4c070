package worker

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mzimbres/occase-gateway/internal/channel"
	"github.com/mzimbres/occase-gateway/internal/identity"
	"github.com/mzimbres/occase-gateway/internal/redisfacade"
)

// handleRedisEvent routes a tagged facade reply to its handler
// (spec.md §4.6's "reply routing" table). post-ack and remove-post are
// the EXEC confirmations for operations already acked to the client
// on the request path, so they carry nothing left to do.
func (w *Worker) handleRedisEvent(ev redisfacade.Event) {
	switch ev.Kind {
	case redisfacade.EventUserID:
		w.onUserID(ev)
	case redisfacade.EventRegisterOK:
		w.onRegisterOK(ev)
	case redisfacade.EventUserData:
		w.onUserData(ev)
	case redisfacade.EventPostID:
		w.onPostID(ev)
	case redisfacade.EventPostsList:
		w.onPostsList(ev)
	case redisfacade.EventChatMsgs:
		w.onChatMsgs(ev)
	case redisfacade.EventChannelPost:
		w.onChannelPost(ev)
	case redisfacade.EventPostAck, redisfacade.EventRemovePost, redisfacade.EventIgnore:
		if ev.IsError {
			logRedisError(ev.Kind.String(), ev)
		}
	}
}

func (w *Worker) onUserID(ev redisfacade.Event) {
	if len(w.regQueue) == 0 {
		return
	}
	req := w.regQueue[0]
	w.regQueue = w.regQueue[1:]

	if !ev.IsError {
		id := strconv.FormatInt(ev.Int, 10)
		pwd, err := identity.GeneratePassword(10)
		if err == nil {
			hash, herr := identity.HashPassword(pwd)
			if herr == nil {
				w.pendingRegs[id] = pendingReg{handle: req.handle, password: pwd, token: req.token}
				w.facade.RegisterUser(id, hash, w.cfg.Quota.DefaultAllowed, w.quotaDeadline())
			}
		}
	} else {
		logRedisError("request_user_id", ev)
	}

	if len(w.regQueue) > 0 {
		w.facade.RequestUserID()
	}
}

func (w *Worker) onRegisterOK(ev redisfacade.Event) {
	pr, ok := w.pendingRegs[ev.Aux]
	if !ok {
		return
	}
	delete(w.pendingRegs, ev.Aux)
	if ev.IsError {
		logRedisError("register_user", ev)
		return
	}

	s, ok := w.table.Lookup(pr.handle)
	if !ok {
		return // session died before its register completed; drop, per spec.md §3
	}

	s.SetLoggedIn(ev.Aux)
	s.Remaining = w.cfg.Quota.DefaultAllowed
	w.sessions[ev.Aux] = pr.handle
	w.facade.OnUserOnline(ev.Aux)
	if pr.token != "" {
		w.facade.PublishToken(ev.Aux, pr.token)
	}
	s.SendJSON(registerAck{Cmd: "register_ack", Result: "ok", ID: ev.Aux, Password: pr.password}, false)
}

func (w *Worker) onUserData(ev redisfacade.Event) {
	if len(w.loginQueue) == 0 {
		return
	}
	req := w.loginQueue[0]
	w.loginQueue = w.loginQueue[1:]

	s, ok := w.table.Lookup(req.handle)
	if !ok {
		return
	}

	if ev.IsError {
		s.SendJSON(loginAck{Cmd: "login_ack", Result: "fail"}, false)
		s.Shutdown()
		return
	}

	rec, found := identity.ParseUserRecord(ev.Strings)
	if !found || !identity.VerifyPassword(rec.PasswordHash, req.password) {
		s.SendJSON(loginAck{Cmd: "login_ack", Result: "fail"}, false)
		s.Shutdown()
		return
	}

	if old, exists := w.sessions[req.userID]; exists {
		if oldSession, ok := w.table.Lookup(old); ok {
			oldSession.Shutdown()
		}
		w.table.Remove(old)
	}

	if identity.RefreshIfExpired(&rec, time.Now(), w.cfg.Quota.PostInterval) {
		w.facade.UpdateUserRemaining(req.userID, rec.Remaining, rec.Deadline)
	}

	s.SetLoggedIn(req.userID)
	s.Remaining = rec.Remaining
	w.sessions[req.userID] = req.handle
	w.facade.OnUserOnline(req.userID)
	w.facade.RetrieveChatMsgs(req.userID)
	if req.token != "" {
		w.facade.PublishToken(req.userID, req.token)
	}
	s.SendJSON(loginAck{Cmd: "login_ack", Result: "ok", RemainingPosts: rec.Remaining}, false)
}

func (w *Worker) onPostID(ev redisfacade.Event) {
	if len(w.postQueue) == 0 {
		return
	}
	req := w.postQueue[0]
	w.postQueue = w.postQueue[1:]

	if ev.IsError {
		logRedisError("request_post_id", ev)
		if req.result != nil {
			req.result <- -1
		}
		return
	}
	req.post.ID = ev.Int
	if req.post.ID > w.lastPostID {
		w.lastPostID = req.post.ID
	}

	data, _ := json.Marshal(req.post)
	w.facade.Post(string(data), req.post.ID)

	if req.result != nil {
		req.result <- req.post.ID
		return
	}

	ack := publishAck{Cmd: "publish_ack", Result: "ok", ID: req.post.ID, Date: req.post.Date}
	if s, ok := w.table.Lookup(req.handle); ok {
		s.Remaining--
		w.facade.DecrementRemaining(s.UserID, s.Remaining)
		s.SendJSON(ack, false)
		return
	}
	ackData, _ := json.Marshal(ack)
	w.facade.StoreChatMsg(req.post.From, string(ackData))
}

func (w *Worker) onPostsList(ev redisfacade.Event) {
	for _, raw := range ev.Strings {
		if raw == "" {
			continue
		}
		var p channel.Post
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if p.ID > w.lastPostID {
			w.lastPostID = p.ID
		}
		envelope, _ := json.Marshal(postEnvelope{Cmd: "post", Items: []channel.Post{p}})
		w.channel.Broadcast(p, envelope)
	}

	if !w.started {
		w.started = true
		if w.onReady != nil {
			w.onReady()
		}
	}
}

func (w *Worker) onChatMsgs(ev redisfacade.Event) {
	handle, ok := w.sessions[ev.Aux]
	if !ok {
		if len(ev.Strings) > 0 {
			w.facade.StoreChatMsg(ev.Aux, ev.Strings...)
		}
		return
	}
	s, ok := w.table.Lookup(handle)
	if !ok {
		if len(ev.Strings) > 0 {
			w.facade.StoreChatMsg(ev.Aux, ev.Strings...)
		}
		return
	}
	for _, raw := range ev.Strings {
		if raw == "" {
			continue
		}
		s.SendRaw([]byte(raw), true)
	}
}

// onChannelPost handles a PUBLISH on menu-channel: either a delete
// command or a plain post (spec.md §4.6). Either way it ends with an
// expired-post sweep, matching the source's literal handler shape.
func (w *Worker) onChannelPost(ev redisfacade.Event) {
	payload := []byte(ev.Aux)
	var env deleteCommand
	if err := json.Unmarshal(payload, &env); err == nil && env.Cmd == "delete" {
		w.channel.RemovePost(env.ID, env.From)
		w.channel.BroadcastRaw(payload)
	} else {
		var p channel.Post
		if err := json.Unmarshal(payload, &p); err == nil {
			if p.ID > w.lastPostID {
				w.lastPostID = p.ID
			}
			envelope, _ := json.Marshal(postEnvelope{Cmd: "post", Items: []channel.Post{p}})
			w.channel.Broadcast(p, envelope)
		}
	}
	w.sweepExpired()
}

func (w *Worker) sweepExpired() {
	ttl := int64(w.cfg.Channel.PostExpiry.Seconds())
	if ttl <= 0 {
		return
	}
	removed := w.channel.RemoveExpiredPosts(time.Now().Unix(), ttl)
	for _, p := range removed {
		cmd, _ := json.Marshal(deleteCommand{Cmd: "delete", ID: p.ID, From: p.From})
		w.channel.BroadcastRaw(cmd)
	}
}
