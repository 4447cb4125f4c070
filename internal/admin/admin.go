// Package admin implements the thin operator-facing HTTP surface
// spec.md §6 names as an external-but-mentioned interface: GET /stats,
// POST /posts/search and POST /posts/publish (SPEC_FULL.md §4.8). It
// is built the way the teacher's cmd/server/main.go wires its own Gin
// router: gin.New() + gin-contrib/cors + a bearer-JWT-protected route
// group, adapted from incident/task endpoints to post/channel ones.
package admin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mzimbres/occase-gateway/internal/adminauth"
	"github.com/mzimbres/occase-gateway/internal/channel"
	"github.com/mzimbres/occase-gateway/internal/redisfacade"
	"github.com/mzimbres/occase-gateway/internal/worker"
)

// Server is the admin HTTP surface for one gateway worker process.
type Server struct {
	router *gin.Engine
	w      *worker.Worker
	facade *redisfacade.Facade
	auth   *adminauth.Service

	startedAt time.Time
}

// New builds the admin router. auth may be nil, in which case the
// surface runs unauthenticated (development-only; cmd/server logs a
// warning when ADMIN_JWT_SECRET is unset).
func New(w *worker.Worker, facade *redisfacade.Facade, auth *adminauth.Service) *Server {
	s := &Server{w: w, facade: facade, auth: auth, startedAt: time.Now()}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := r.Group("")
	if auth != nil {
		group.Use(auth.Middleware())
	}
	group.GET("/stats", s.handleStats)
	group.POST("/posts/search", s.handleSearch)
	group.POST("/posts/publish", s.handlePublish)
	group.POST("/taxonomy/reload", s.handleTaxonomyReload)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// handleStats returns the CSV line of counters spec.md §6 describes
// ("GET /stats returns a CSV line of counters"): live sessions,
// channel size/members, queue depths, uptime, per-Redis-session
// connectivity and reconnect counts.
func (s *Server) handleStats(c *gin.Context) {
	snap := s.w.Snapshot()
	redisStats := s.facade.Stats()

	fields := []string{
		"uptime_seconds=" + itoa(int64(time.Since(s.startedAt).Seconds())),
		"sessions=" + itoa(int64(snap.Sessions)),
		"channel_posts=" + itoa(int64(snap.ChannelPosts)),
		"channel_members=" + itoa(int64(snap.ChannelMembers)),
		"last_post_id=" + itoa(snap.LastPostID),
		"post_queue=" + itoa(int64(snap.PostQueue)),
		"reg_queue=" + itoa(int64(snap.RegQueue)),
		"login_queue=" + itoa(int64(snap.LoginQueue)),
	}
	for _, name := range []string{"menu-pub", "menu-sub", "chat-pub", "chat-sub"} {
		st := redisStats[name]
		fields = append(fields, fmt.Sprintf("%s_connected=%t,%s_reconnects=%d",
			name, st.Connected, name, st.Reconnects))
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.String(http.StatusOK, strings.Join(fields, ",")+"\n")
}

type searchRequest struct {
	StartID       int64    `json:"start_id"`
	Max           int      `json:"max"`
	AnyOfFeatures uint64   `json:"any_of_features"`
	Filters       []uint64 `json:"filters"`
}

// handleSearch delegates to channel.GetPosts through the worker's
// reactor goroutine (SPEC_FULL.md §4.8), using the same
// SubscriptionFilter-shaped predicate a WebSocket subscribe uses, so
// operator search results match what a client with the same filter
// would see.
func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filterSet := make(map[uint64]bool, len(req.Filters))
	for _, f := range req.Filters {
		filterSet[f] = true
	}
	predicate := func(p *channel.Post) bool {
		if req.AnyOfFeatures != 0 && req.AnyOfFeatures&p.Features == 0 {
			return false
		}
		if len(filterSet) > 0 && !filterSet[p.Filter] {
			return false
		}
		return true
	}

	posts := s.w.SearchPosts(req.StartID, req.Max, predicate)
	c.JSON(http.StatusOK, gin.H{"result": "ok", "items": posts})
}

type publishRequest struct {
	From        string   `json:"from"`
	Body        string   `json:"body"`
	To          [2][]int `json:"to"`
	Features    uint64   `json:"features"`
	RangeValues []int    `json:"range_values"`
}

// handlePublish is the operator-side publish path spec.md §6 names
// ("POST /posts/publish"): it bypasses the per-user quota entirely but
// goes through worker.AdminPublish, which reuses the exact request-id
// -> ZADD/PUBLISH sequence the WebSocket `publish` command uses, so
// there is exactly one way a post is ever written to Redis.
func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From == "" {
		req.From = "admin:" + adminauth.OperatorID(c)
	}

	p := channel.Post{
		Body:        []byte(req.Body),
		To:          req.To,
		Features:    req.Features,
		RangeValues: req.RangeValues,
	}
	id := s.w.AdminPublish(p, req.From)
	if id < 0 {
		c.JSON(http.StatusBadGateway, gin.H{"result": "fail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok", "id": id})
}

type taxonomyReloadRequest struct {
	LocationCodes []int `json:"location_codes"`
	ProductCodes  []int `json:"product_codes"`
}

// handleTaxonomyReload is the supplemented client_mgr_cg.cpp-derived
// admin trigger (SPEC_FULL.md §4.9): it swaps the worker's taxonomy
// encoder without ever taking a lock in the core, by running the swap
// on the worker's own reactor goroutine.
func (s *Server) handleTaxonomyReload(c *gin.Context) {
	var req taxonomyReloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.w.ReloadTaxonomy(req.LocationCodes, req.ProductCodes)
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func itoa(n int64) string {
	return fmt.Sprintf("%d", n)
}
