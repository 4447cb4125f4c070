package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mzimbres/occase-gateway/config"
	"github.com/mzimbres/occase-gateway/internal/channel"
	"github.com/mzimbres/occase-gateway/internal/gateway"
	"github.com/mzimbres/occase-gateway/internal/mms"
	"github.com/mzimbres/occase-gateway/internal/redisfacade"
	"github.com/mzimbres/occase-gateway/internal/resp"
	"github.com/mzimbres/occase-gateway/internal/taxonomy"
)

// ─── a small but real Redis stand-in with PUBLISH/SUBSCRIBE fan-out ──
// and MULTI/EXEC that actually executes queued commands, so tests can
// exercise the full publish -> menu-channel -> broadcast loop the way
// production Redis would drive it.

type fakeServer struct {
	mu       sync.Mutex
	subs     map[string][]net.Conn
	counters map[string]int64
	hashes   map[string]map[string]string
	lists    map[string][]string
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	fs := &fakeServer{
		subs:     make(map[string][]net.Conn),
		counters: make(map[string]int64),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fs.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fs, ln.Addr().String()
}

func (fs *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	d := resp.NewDecoder(bufio.NewReader(conn))
	inMulti := false
	var queued [][]string

	for {
		rep, err := d.ReadReply()
		if err != nil {
			fs.unsubscribeAll(conn)
			return
		}
		if len(rep.Tokens) == 0 {
			continue
		}
		cmd := strings.ToUpper(rep.Tokens[0])

		switch cmd {
		case "SUBSCRIBE":
			ch := rep.Tokens[1]
			fs.mu.Lock()
			fs.subs[ch] = append(fs.subs[ch], conn)
			fs.mu.Unlock()
			conn.Write(arrayReply(bulk("subscribe"), bulk(ch), integer(1)))
		case "UNSUBSCRIBE":
			ch := rep.Tokens[1]
			fs.unsubscribeOne(conn, ch)
			conn.Write(arrayReply(bulk("unsubscribe"), bulk(ch), integer(0)))
		case "MULTI":
			inMulti = true
			queued = nil
			conn.Write([]byte("+OK\r\n"))
		case "EXEC":
			inMulti = false
			replies := make([][]byte, len(queued))
			for i, tok := range queued {
				replies[i] = fs.execute(conn, tok)
			}
			conn.Write(arrayReplyRaw(replies))
		default:
			if inMulti {
				queued = append(queued, rep.Tokens)
				conn.Write([]byte("+QUEUED\r\n"))
				continue
			}
			conn.Write(fs.execute(conn, rep.Tokens))
		}
	}
}

// execute runs one command for real (counters, hashes, lists, and
// PUBLISH fan-out) and returns its RESP reply.
func (fs *fakeServer) execute(conn net.Conn, tokens []string) []byte {
	cmd := strings.ToUpper(tokens[0])
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch cmd {
	case "INCR":
		key := tokens[1]
		fs.counters[key]++
		return integer(fs.counters[key])
	case "HSET":
		key := tokens[1]
		if fs.hashes[key] == nil {
			fs.hashes[key] = make(map[string]string)
		}
		for i := 2; i+1 < len(tokens); i += 2 {
			fs.hashes[key][tokens[i]] = tokens[i+1]
		}
		return integer(1)
	case "HMGET":
		key := tokens[1]
		h := fs.hashes[key]
		items := make([][]byte, 0, len(tokens)-2)
		for _, field := range tokens[2:] {
			v, ok := h[field]
			if !ok {
				items = append(items, []byte("$-1\r\n"))
				continue
			}
			items = append(items, bulk(v))
		}
		return arrayReplyRaw(items)
	case "ZADD":
		return integer(1)
	case "ZREMRANGEBYSCORE":
		return integer(1)
	case "ZRANGEBYSCORE":
		return []byte("*0\r\n")
	case "RPUSH":
		key := tokens[1]
		fs.lists[key] = append(fs.lists[key], tokens[2:]...)
		return integer(int64(len(fs.lists[key])))
	case "LRANGE":
		key := tokens[1]
		items := make([][]byte, 0, len(fs.lists[key]))
		for _, v := range fs.lists[key] {
			items = append(items, bulk(v))
		}
		return arrayReplyRaw(items)
	case "DEL":
		key := tokens[1]
		delete(fs.lists, key)
		delete(fs.hashes, key)
		return integer(1)
	case "EXPIRE":
		return integer(1)
	case "PUBLISH":
		ch, payload := tokens[1], tokens[2]
		targets := append([]net.Conn(nil), fs.subs[ch]...)
		go func() {
			for _, c := range targets {
				c.Write(arrayReply(bulk("message"), bulk(ch), bulk(payload)))
			}
		}()
		return integer(int64(len(targets)))
	default:
		return []byte("+OK\r\n")
	}
}

func (fs *fakeServer) unsubscribeOne(conn net.Conn, ch string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	conns := fs.subs[ch]
	for i, c := range conns {
		if c == conn {
			fs.subs[ch] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

func (fs *fakeServer) unsubscribeAll(conn net.Conn) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for ch, conns := range fs.subs {
		for i, c := range conns {
			if c == conn {
				fs.subs[ch] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
	}
}

func bulk(s string) []byte {
	return []byte("$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n")
}

func integer(n int64) []byte {
	return []byte(":" + strconv.FormatInt(n, 10) + "\r\n")
}

func arrayReply(items ...[]byte) []byte {
	return arrayReplyRaw(items)
}

func arrayReplyRaw(items [][]byte) []byte {
	out := []byte("*" + strconv.Itoa(len(items)) + "\r\n")
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// ─── worker + websocket test harness ──────────────────────────────

func newTestWorker(t *testing.T) (*Worker, *fakeServer, string) {
	t.Helper()
	fs, addr := newFakeServer(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			MenuSubAddr: addr, MenuPubAddr: addr, ChatSubAddr: addr, ChatPubAddr: addr,
			ConnRetryInterval: 20 * time.Millisecond,
			MaxPipelineSize:   16,
			PostIDKey:         "post_id_key",
			UserIDKey:         "user_id_key",
			PostsKey:          "posts_key",
			MenuChannel:       "menu-channel",
			ChatCounter:       "chat_msgs_counter",
			MsgTTL:            time.Hour,
		},
		Channel: config.ChannelConfig{MaxPosts: 1000, CleanupRate: 64, MaxPostsOnSub: 50, PostExpiry: time.Hour},
		Session: config.SessionConfig{HandshakeTimeout: 5 * time.Second, IdleTimeout: 10 * time.Second, PongMissLimit: 4, MaxSubChannels: 64, MaxRanges: 5},
		Quota:   config.QuotaConfig{DefaultAllowed: 3, PostInterval: time.Hour},
	}

	facade := redisfacade.New(cfg.Redis)
	facade.Run()
	t.Cleanup(facade.Close)

	ch := channel.New(cfg.Channel.MaxPosts, cfg.Channel.CleanupRate)
	tax := taxonomy.DefaultEncoder()
	signer := mms.NewSigner("https://mms.example.com", "test-key")

	w := New(cfg, facade, ch, tax, signer)

	ready := make(chan struct{})
	w.Start(func() { close(ready) })
	go w.Run(context.Background())
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}

	// onReady only proves the menu-pub round trip completed; wait for
	// the menu-sub connection's SUBSCRIBE to land too, since tests rely
	// on this node receiving the fan-out of its own publishes.
	waitUntil := time.Now().Add(2 * time.Second)
	for {
		fs.mu.Lock()
		n := len(fs.subs[cfg.Redis.MenuChannel])
		fs.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(waitUntil) {
			t.Fatal("menu-sub never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := testWSUpgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		s := gateway.NewSession(conn, cfg.Session)
		w.Accept(s)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return w, fs, wsURL
}

var testWSUpgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readJSONUntil(t *testing.T, conn *websocket.Conn, cmd string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 10; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if m["cmd"] == cmd {
			return m
		}
	}
	t.Fatalf("never saw cmd %q", cmd)
	return nil
}

func register(t *testing.T, conn *websocket.Conn) (id, password string) {
	t.Helper()
	sendJSON(t, conn, map[string]string{"cmd": "register"})
	ack := readJSONUntil(t, conn, "register_ack")
	if ack["result"] != "ok" {
		t.Fatalf("register failed: %#v", ack)
	}
	return ack["id"].(string), ack["password"].(string)
}

func TestWorkerRegisterPublishSubscribeDelete(t *testing.T) {
	w, _, wsURL := newTestWorker(t)
	_ = w

	author := dial(t, wsURL)
	defer author.Close()
	register(t, author)

	subscriber := dial(t, wsURL)
	defer subscriber.Close()
	register(t, subscriber)
	sendJSON(t, subscriber, map[string]interface{}{"cmd": "subscribe", "last_post_id": 0, "filters": []uint64{}, "any_of_features": 0, "ranges": [][2]int{}})
	readJSONUntil(t, subscriber, "subscribe_ack")

	sendJSON(t, author, map[string]interface{}{
		"cmd":   "publish",
		"items": []map[string]interface{}{{"to": [][]int{{}, {}}, "body": "hi", "range_values": []int{}}},
	})
	ack := readJSONUntil(t, author, "publish_ack")
	if ack["result"] != "ok" {
		t.Fatalf("publish failed: %#v", ack)
	}
	postID := int64(ack["id"].(float64))

	post := readJSONUntil(t, subscriber, "post")
	items := post["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 broadcast item, got %d", len(items))
	}

	sendJSON(t, author, map[string]interface{}{"cmd": "delete", "id": postID})
	delAck := readJSONUntil(t, author, "delete_ack")
	if delAck["result"] != "ok" {
		t.Fatalf("delete failed: %#v", delAck)
	}

	deleteMsg := readJSONUntil(t, subscriber, "delete")
	if int64(deleteMsg["id"].(float64)) != postID {
		t.Fatalf("expected delete notice for %d, got %#v", postID, deleteMsg)
	}
}

func TestWorkerQuotaExhaustionFailsPublish(t *testing.T) {
	_, _, wsURL := newTestWorker(t)

	conn := dial(t, wsURL)
	defer conn.Close()
	register(t, conn)

	item := map[string]interface{}{"to": [][]int{{}, {}}, "body": "x", "range_values": []int{}}
	for i := 0; i < 3; i++ { // DefaultAllowed == 3 in newTestWorker's config
		sendJSON(t, conn, map[string]interface{}{"cmd": "publish", "items": []map[string]interface{}{item}})
		ack := readJSONUntil(t, conn, "publish_ack")
		if ack["result"] != "ok" {
			t.Fatalf("publish %d unexpectedly failed: %#v", i, ack)
		}
	}

	sendJSON(t, conn, map[string]interface{}{"cmd": "publish", "items": []map[string]interface{}{item}})
	ack := readJSONUntil(t, conn, "publish_ack")
	if ack["result"] != "fail" {
		t.Fatalf("expected quota-exhausted publish to fail, got %#v", ack)
	}
}

func TestWorkerOnlineChatDeliversImmediately(t *testing.T) {
	_, _, wsURL := newTestWorker(t)

	a := dial(t, wsURL)
	defer a.Close()
	idA, _ := register(t, a)

	b := dial(t, wsURL)
	defer b.Close()
	register(t, b)

	sendJSON(t, b, map[string]interface{}{"cmd": "message", "to": idA, "post_id": 7, "id": 99, "message": "hi", "type": "chat"})
	serverAck := readJSONUntil(t, b, "message")
	if serverAck["type"] != "server_ack" || serverAck["result"] != "ok" {
		t.Fatalf("expected server_ack, got %#v", serverAck)
	}

	delivered := readJSONUntil(t, a, "message")
	if delivered["type"] != "chat" || delivered["message"] != "hi" {
		t.Fatalf("unexpected delivered message: %#v", delivered)
	}
}

func TestWorkerOfflineChatIsStoredInMailbox(t *testing.T) {
	_, fs, wsURL := newTestWorker(t)

	sender := dial(t, wsURL)
	defer sender.Close()
	register(t, sender)

	sendJSON(t, sender, map[string]interface{}{"cmd": "message", "to": "ghost", "post_id": 1, "id": 1, "message": "are you there", "type": "chat"})
	readJSONUntil(t, sender, "message") // server_ack

	deadline := time.After(2 * time.Second)
	for {
		fs.mu.Lock()
		n := len(fs.lists["msg:ghost"])
		fs.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected offline message spooled to msg:ghost")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerLoginWrongPasswordFails(t *testing.T) {
	_, _, wsURL := newTestWorker(t)

	registerConn := dial(t, wsURL)
	id, _ := register(t, registerConn)
	registerConn.Close()

	loginConn := dial(t, wsURL)
	defer loginConn.Close()
	sendJSON(t, loginConn, map[string]string{"cmd": "login", "user": id, "password": "definitely-wrong"})
	ack := readJSONUntil(t, loginConn, "login_ack")
	if ack["result"] != "fail" {
		t.Fatalf("expected login failure, got %#v", ack)
	}
}
