// Package redisfacade implements the Redis facade of spec.md §4.3: it
// owns the four logical Redis sessions (menu-sub, menu-pub, chat-sub,
// chat-pub), translates high-level worker operations into RESP command
// sequences, and demultiplexes pipelined replies back into tagged
// Events using a per-session FIFO tag queue.
package redisfacade

import (
	"strconv"
	"strings"
	"sync"

	"github.com/mzimbres/occase-gateway/config"
	"github.com/mzimbres/occase-gateway/internal/redisconn"
	"github.com/mzimbres/occase-gateway/internal/resp"
)

type Facade struct {
	cfg config.RedisConfig

	menuSub *redisconn.Session
	menuPub *redisconn.Session
	chatSub *redisconn.Session
	chatPub *redisconn.Session

	menuPubTags tagQueue
	chatPubTags tagQueue

	events chan Event

	// onlineUsers tracks which users currently have a chat-sub
	// keyspace subscription, so reconnects can resubscribe them all
	// (spec.md §4.3's on_user_online/offline bookkeeping).
	mu          sync.Mutex
	onlineUsers map[string]bool
}

// tagQueue is a simple mutex-guarded FIFO.
type tagQueue struct {
	mu    sync.Mutex
	items []tag
}

func (q *tagQueue) push(t tag) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *tagQueue) pop() (tag, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return tag{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func New(cfg config.RedisConfig) *Facade {
	f := &Facade{
		cfg:         cfg,
		events:      make(chan Event, 256),
		onlineUsers: make(map[string]bool),
	}

	f.menuPub = redisconn.NewSession(redisconn.Options{
		Addr:            cfg.MenuPubAddr,
		SentinelAddrs:   cfg.SentinelAddrs,
		MasterName:      cfg.MasterName,
		RetryInterval:   cfg.ConnRetryInterval,
		MaxPipelineSize: cfg.MaxPipelineSize,
		OnMessage:       f.onMenuPubMessage,
	})

	f.menuSub = redisconn.NewSession(redisconn.Options{
		Addr:            cfg.MenuSubAddr,
		SentinelAddrs:   cfg.SentinelAddrs,
		MasterName:      cfg.MasterName,
		RetryInterval:   cfg.ConnRetryInterval,
		MaxPipelineSize: cfg.MaxPipelineSize,
		OnConnect:       f.onMenuSubConnect,
		OnMessage:       f.onMenuSubMessage,
	})

	f.chatPub = redisconn.NewSession(redisconn.Options{
		Addr:            cfg.ChatPubAddr,
		SentinelAddrs:   cfg.SentinelAddrs,
		MasterName:      cfg.MasterName,
		RetryInterval:   cfg.ConnRetryInterval,
		MaxPipelineSize: cfg.MaxPipelineSize,
		OnMessage:       f.onChatPubMessage,
	})

	f.chatSub = redisconn.NewSession(redisconn.Options{
		Addr:            cfg.ChatSubAddr,
		SentinelAddrs:   cfg.SentinelAddrs,
		MasterName:      cfg.MasterName,
		RetryInterval:   cfg.ConnRetryInterval,
		MaxPipelineSize: cfg.MaxPipelineSize,
		OnConnect:       f.onChatSubConnect,
		OnMessage:       f.onChatSubMessage,
	})

	return f
}

// Run starts all four sessions; it returns once all four Run loops
// have been launched (not once connected).
func (f *Facade) Run() {
	go f.menuPub.Run()
	go f.menuSub.Run()
	go f.chatPub.Run()
	go f.chatSub.Run()
}

// Events is the channel the worker drains on its single reactor
// goroutine.
func (f *Facade) Events() <-chan Event { return f.events }

func (f *Facade) Close() {
	f.menuPub.Close()
	f.menuSub.Close()
	f.chatPub.Close()
	f.chatSub.Close()
}

// SessionStats reports the connectivity of one of the facade's four
// redisconn.Sessions, for the admin stats surface (SPEC_FULL.md §4.8).
type SessionStats struct {
	Connected  bool
	Reconnects int64
}

// Stats snapshots all four underlying sessions. Safe to call from any
// goroutine: redisconn.Session guards this state with its own mutex.
func (f *Facade) Stats() map[string]SessionStats {
	snap := func(s *redisconn.Session) SessionStats {
		return SessionStats{Connected: s.Connected(), Reconnects: s.Reconnects()}
	}
	return map[string]SessionStats{
		"menu-pub": snap(f.menuPub),
		"menu-sub": snap(f.menuSub),
		"chat-pub": snap(f.chatPub),
		"chat-sub": snap(f.chatSub),
	}
}

// ─── menu-sub: new-post / delete broadcast channel ───────────────────

func (f *Facade) onMenuSubConnect() {
	f.menuSub.Send(resp.Subscribe(f.cfg.MenuChannel))
}

func (f *Facade) onMenuSubMessage(rep resp.Reply) {
	// Pub/sub pushes arrive as a flattened 3-token array:
	// ["message", channel, payload]. The initial SUBSCRIBE ack is a
	// flattened 3-token array too ("subscribe", channel, count) and is
	// silently dropped.
	if len(rep.Tokens) != 3 {
		return
	}
	if rep.Tokens[0] != "message" {
		return
	}
	f.events <- Event{Kind: EventChannelPost, Aux: rep.Tokens[2]}
}

// ─── menu-pub: posts, ids, user records ──────────────────────────────

func (f *Facade) onMenuPubMessage(rep resp.Reply) {
	t, ok := f.menuPubTags.pop()
	if !ok {
		return
	}
	f.deliver(t, rep)
}

func (f *Facade) deliver(t tag, rep resp.Reply) {
	if t.kind == EventIgnore {
		return
	}
	if rep.IsError {
		f.events <- Event{Kind: t.kind, Aux: t.aux, IsError: true, ErrMsg: rep.Tokens[0]}
		return
	}

	ev := Event{Kind: t.kind, Aux: t.aux}
	switch t.kind {
	case EventPostID, EventUserID:
		n, err := strconv.ParseInt(firstToken(rep), 10, 64)
		if err != nil {
			ev.IsError = true
			ev.ErrMsg = err.Error()
			break
		}
		ev.Int = n
	case EventUserData, EventPostsList, EventChatMsgs:
		ev.Strings = rep.Tokens
	case EventRegisterOK, EventPostAck, EventRemovePost:
		// no payload beyond the ack itself
	}
	f.events <- ev
}

func firstToken(rep resp.Reply) string {
	if len(rep.Tokens) == 0 {
		return ""
	}
	return rep.Tokens[0]
}

// RetrievePosts issues ZRANGEBYSCORE posts_key startID +inf.
func (f *Facade) RetrievePosts(startID int64) error {
	f.menuPubTags.push(tag{kind: EventPostsList})
	return f.menuPub.Send(resp.ZRangeByScore(f.cfg.PostsKey, strconv.FormatInt(startID, 10), "+inf"))
}

// RequestPostID issues INCR post_id_key.
func (f *Facade) RequestPostID() error {
	f.menuPubTags.push(tag{kind: EventPostID})
	return f.menuPub.Send(resp.Incr(f.cfg.PostIDKey))
}

// Post persists a post and broadcasts it to peer workers:
// MULTI; ZADD posts_key id json; PUBLISH menu-channel json; EXEC.
func (f *Facade) Post(json string, id int64) error {
	f.menuPubTags.push(tag{kind: EventIgnore}) // MULTI
	f.menuPubTags.push(tag{kind: EventIgnore}) // ZADD (queued)
	f.menuPubTags.push(tag{kind: EventIgnore}) // PUBLISH (queued)
	f.menuPubTags.push(tag{kind: EventPostAck, aux: strconv.FormatInt(id, 10)})
	cmd := concat(
		resp.Multi(),
		resp.ZAdd(f.cfg.PostsKey, float64(id), json),
		resp.Publish(f.cfg.MenuChannel, json),
		resp.Exec(),
	)
	return f.menuPub.Send(cmd)
}

// RemovePost broadcasts a deletion: MULTI; ZREMRANGEBYSCORE posts_key
// id id; PUBLISH menu-channel json; EXEC.
func (f *Facade) RemovePost(id int64, json string) error {
	idStr := strconv.FormatInt(id, 10)
	f.menuPubTags.push(tag{kind: EventIgnore})
	f.menuPubTags.push(tag{kind: EventIgnore})
	f.menuPubTags.push(tag{kind: EventIgnore})
	f.menuPubTags.push(tag{kind: EventRemovePost, aux: idStr})
	cmd := concat(
		resp.Multi(),
		resp.ZRemRangeByScore(f.cfg.PostsKey, idStr, idStr),
		resp.Publish(f.cfg.MenuChannel, json),
		resp.Exec(),
	)
	return f.menuPub.Send(cmd)
}

// RequestUserID issues INCR user_id_key.
func (f *Facade) RequestUserID() error {
	f.menuPubTags.push(tag{kind: EventUserID})
	return f.menuPub.Send(resp.Incr(f.cfg.UserIDKey))
}

// RegisterUser issues HSET id:<id> password ... allowed ... remaining
// ... deadline ...
func (f *Facade) RegisterUser(id, pwdHash string, allowed int, deadline int64) error {
	f.menuPubTags.push(tag{kind: EventRegisterOK, aux: id})
	key := userKey(id)
	cmd := resp.HSet(key,
		"password", pwdHash,
		"allowed", strconv.Itoa(allowed),
		"remaining", strconv.Itoa(allowed),
		"deadline", strconv.FormatInt(deadline, 10),
	)
	return f.menuPub.Send(cmd)
}

// UpdateUserRemaining rewrites the remaining/deadline fields after a
// quota refresh at login.
func (f *Facade) UpdateUserRemaining(id string, remaining int, deadline int64) error {
	f.menuPubTags.push(tag{kind: EventIgnore})
	return f.menuPub.Send(resp.HSet(userKey(id),
		"remaining", strconv.Itoa(remaining),
		"deadline", strconv.FormatInt(deadline, 10),
	))
}

// DecrementRemaining is fire-and-forget bookkeeping after a successful
// publish.
func (f *Facade) DecrementRemaining(id string, remaining int) error {
	f.menuPubTags.push(tag{kind: EventIgnore})
	return f.menuPub.Send(resp.HSet(userKey(id), "remaining", strconv.Itoa(remaining)))
}

// RetrieveUserData issues HMGET id:<id> password allowed remaining
// deadline.
func (f *Facade) RetrieveUserData(id string) error {
	f.menuPubTags.push(tag{kind: EventUserData, aux: id})
	return f.menuPub.Send(resp.HMGet(userKey(id), "password", "allowed", "remaining", "deadline"))
}

func userKey(id string) string { return "id:" + id }

// ─── chat-pub: chat message storage and retrieval ────────────────────

func (f *Facade) onChatPubMessage(rep resp.Reply) {
	t, ok := f.chatPubTags.pop()
	if !ok {
		return
	}
	f.deliver(t, rep)
}

// StoreChatMsg appends messages to a user's offline mailbox:
// MULTI; INCR chat_msgs_counter; RPUSH msg:<to> msg...; EXPIRE
// msg:<to> ttl; EXEC. Fire-and-forget per spec.md §4.3.
func (f *Facade) StoreChatMsg(to string, msgs ...string) error {
	for i := 0; i < 4; i++ {
		f.chatPubTags.push(tag{kind: EventIgnore})
	}
	key := mailboxKey(to)
	cmd := concat(
		resp.Multi(),
		resp.Incr(f.cfg.ChatCounter),
		resp.RPush(key, msgs...),
		resp.Expire(key, int64(f.cfg.MsgTTL.Seconds())),
		resp.Exec(),
	)
	return f.chatPub.Send(cmd)
}

// RetrieveChatMsgs drains a user's offline mailbox: MULTI; LRANGE
// msg:<user> 0 -1; DEL msg:<user>; EXEC.
func (f *Facade) RetrieveChatMsgs(user string) error {
	f.chatPubTags.push(tag{kind: EventIgnore})
	f.chatPubTags.push(tag{kind: EventIgnore})
	f.chatPubTags.push(tag{kind: EventIgnore})
	f.chatPubTags.push(tag{kind: EventChatMsgs, aux: user})
	key := mailboxKey(user)
	cmd := concat(
		resp.Multi(),
		resp.LRange(key, 0, -1),
		resp.Del(key),
		resp.Exec(),
	)
	return f.chatPub.Send(cmd)
}

// SendPresence is a best-effort PUBLISH on the chat-pub session.
func (f *Facade) SendPresence(to, msg string) error {
	f.chatPubTags.push(tag{kind: EventIgnore})
	return f.chatPub.Send(resp.Publish(presenceChannel(to), msg))
}

// PublishToken forwards an FCM registration token on an operator
// channel.
func (f *Facade) PublishToken(id, token string) error {
	f.chatPubTags.push(tag{kind: EventIgnore})
	return f.chatPub.Send(resp.Publish("fcm-tokens", id+":"+token))
}

func mailboxKey(user string) string      { return "msg:" + user }
func presenceChannel(user string) string { return "pc:" + user }

// ─── chat-sub: per-user keyspace-notification subscriptions ─────────

func (f *Facade) onChatSubConnect() {
	f.mu.Lock()
	users := make([]string, 0, len(f.onlineUsers))
	for u := range f.onlineUsers {
		users = append(users, u)
	}
	f.mu.Unlock()
	for _, u := range users {
		f.chatSub.Send(resp.Subscribe(keyspaceChannel(u)))
	}
}

func (f *Facade) onChatSubMessage(rep resp.Reply) {
	if len(rep.Tokens) != 3 || rep.Tokens[0] != "message" {
		return
	}
	channel, eventName := rep.Tokens[1], rep.Tokens[2]
	const prefix = "__keyspace@0__:msg:"
	if !strings.HasPrefix(channel, prefix) {
		return
	}
	if eventName != "rpush" {
		return
	}
	uid := strings.TrimPrefix(channel, prefix)
	f.RetrieveChatMsgs(uid)
}

// OnUserOnline subscribes to the keyspace notification that fires
// whenever the user's offline mailbox is written to.
func (f *Facade) OnUserOnline(id string) error {
	f.mu.Lock()
	f.onlineUsers[id] = true
	f.mu.Unlock()
	return f.chatSub.Send(resp.Subscribe(keyspaceChannel(id)))
}

// OnUserOffline unsubscribes.
func (f *Facade) OnUserOffline(id string) error {
	f.mu.Lock()
	delete(f.onlineUsers, id)
	f.mu.Unlock()
	return f.chatSub.Send(resp.Unsubscribe(keyspaceChannel(id)))
}

func keyspaceChannel(user string) string { return "__keyspace@0__:msg:" + user }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
