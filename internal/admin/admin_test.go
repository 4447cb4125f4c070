package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mzimbres/occase-gateway/config"
	"github.com/mzimbres/occase-gateway/internal/adminauth"
	"github.com/mzimbres/occase-gateway/internal/mms"
	"github.com/mzimbres/occase-gateway/internal/redisfacade"
	"github.com/mzimbres/occase-gateway/internal/resp"
	"github.com/mzimbres/occase-gateway/internal/taxonomy"
	"github.com/mzimbres/occase-gateway/internal/worker"

	"github.com/mzimbres/occase-gateway/internal/channel"
)

// fakeRedisServer understands just enough RESP (INCR, MULTI/EXEC,
// ZRANGEBYSCORE) to let a worker start up and answer admin requests,
// mirroring internal/redisfacade's own fake server.
func fakeRedisServer(t *testing.T) string {
	t.Helper()
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
			go serveFakeConn(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func serveFakeConn(conn net.Conn) {
	defer conn.Close()
	d := resp.NewDecoder(bufio.NewReader(conn))
	inMulti := false
	queued := 0
	var seq int64
	for {
		rep, err := d.ReadReply()
		if err != nil {
			return
		}
		if len(rep.Tokens) == 0 {
			continue
		}
		switch cmd := rep.Tokens[0]; {
		case cmd == "MULTI":
			inMulti = true
			queued = 0
			conn.Write([]byte("+OK\r\n"))
		case cmd == "EXEC":
			inMulti = false
			conn.Write([]byte("*" + itoa(int64(queued)) + "\r\n"))
			for i := 0; i < queued; i++ {
				conn.Write([]byte(":1\r\n"))
			}
		case inMulti:
			queued++
			conn.Write([]byte("+QUEUED\r\n"))
		case cmd == "INCR":
			seq++
			conn.Write([]byte(":" + itoa(seq) + "\r\n"))
		case cmd == "ZRANGEBYSCORE":
			conn.Write([]byte("*0\r\n"))
		default:
			conn.Write([]byte("+OK\r\n"))
		}
	}
}

func testConfig(addr string) *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{
			MenuSubAddr:       addr,
			MenuPubAddr:       addr,
			ChatSubAddr:       addr,
			ChatPubAddr:       addr,
			ConnRetryInterval: 20 * time.Millisecond,
			MaxPipelineSize:   16,
			PostIDKey:         "post_id_key",
			UserIDKey:         "user_id_key",
			PostsKey:          "posts_key",
			MenuChannel:       "menu-channel",
			ChatCounter:       "chat_msgs_counter",
			MsgTTL:            time.Hour,
		},
		Channel: config.ChannelConfig{MaxPosts: 100, CleanupRate: 10, MaxPostsOnSub: 50},
		Session: config.SessionConfig{MaxSubChannels: 64, MaxRanges: 5},
		Quota:   config.QuotaConfig{DefaultAllowed: 10, PostInterval: time.Hour},
	}
}

func newTestServer(t *testing.T, auth *adminauth.Service) (*Server, func()) {
	t.Helper()
	addr := fakeRedisServer(t)
	cfg := testConfig(addr)

	facade := redisfacade.New(cfg.Redis)
	facade.Run()

	ch := channel.New(cfg.Channel.MaxPosts, cfg.Channel.CleanupRate)
	tax := taxonomy.DefaultEncoder()
	signer := mms.NewSigner("https://mms.example.com", "k")

	w := worker.New(cfg, facade, ch, tax, signer)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	w.Start(func() { close(ready) })
	go w.Run(ctx)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}

	return New(w, facade, auth), func() { cancel(); facade.Close() }
}

func TestAdminStatsReturnsCSV(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "sessions=0") {
		t.Fatalf("expected sessions=0 in %q", body)
	}
	if !strings.Contains(body, "menu-pub_connected=") {
		t.Fatalf("expected redis connectivity fields in %q", body)
	}
}

func TestAdminSearchEmptyChannel(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/posts/search", strings.NewReader(`{"start_id":0,"max":10}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Result string         `json:"result"`
		Items  []channel.Post `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Result != "ok" || len(out.Items) != 0 {
		t.Fatalf("got %#v", out)
	}
}

func TestAdminPublishAssignsID(t *testing.T) {
	s, cleanup := newTestServer(t, nil)
	defer cleanup()

	body := `{"from":"operator","body":"hello","to":[[1],[2]],"features":0,"range_values":[]}`
	req := httptest.NewRequest(http.MethodPost, "/posts/publish", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Result string `json:"result"`
		ID     int64  `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Result != "ok" || out.ID <= 0 {
		t.Fatalf("got %#v", out)
	}
}

func TestAdminRoutesRequireBearerTokenWhenConfigured(t *testing.T) {
	svc := adminauth.NewService("secret", time.Hour)
	s, cleanup := newTestServer(t, svc)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d want 401", rec.Code)
	}

	token, err := svc.IssueToken("op1")
	if err != nil {
		t.Fatal(err)
	}
	req2 := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("got status %d want 200", rec2.Code)
	}
}
