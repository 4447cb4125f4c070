// Package channel implements the in-memory post store and filtered
// broadcast described in spec.md §4.4: a deque of posts sorted by id,
// and a set of member sessions that receive every broadcast post
// passing their individual filter.
package channel

import (
	"encoding/json"
	"sort"
)

// Post is the immutable-once-stored advert record of spec.md §3.
type Post struct {
	ID          int64     `json:"id"`
	From        string    `json:"from"`
	Body        json.RawMessage `json:"body"`
	To          [2][]int  `json:"to"`
	Filter      uint64    `json:"filter"`
	Features    uint64    `json:"features"`
	Date        int64     `json:"date"`
	RangeValues []int     `json:"range_values"`
}

// Member is any subscriber that can accept or reject a post and
// receive its pre-serialized JSON payload. Sessions implement this;
// the channel never imports the gateway package, keeping the
// dependency direction session -> channel and not the reverse.
type Member interface {
	// Alive reports whether the member is still usable; a dead member
	// is swept out of the channel lazily.
	Alive() bool
	// Accepts applies the member's own filter rules (spec.md §4.5).
	Accepts(p *Post) bool
	// Deliver hands the member the shared, never-mutated JSON payload.
	Deliver(sharedJSON []byte, p *Post)
}

// Channel is the root (and only) channel store.
type Channel struct {
	posts   []Post
	members []Member

	maxPosts    int
	cleanupRate int
	insertions  int
}

func New(maxPosts, cleanupRate int) *Channel {
	if cleanupRate <= 0 {
		cleanupRate = 64
	}
	return &Channel{maxPosts: maxPosts, cleanupRate: cleanupRate}
}

// Broadcast inserts p in id-sorted position (tolerating out-of-order
// arrival from catch-up after a brief disconnect), drops the oldest
// post if the deque now exceeds maxPosts, then delivers sharedJSON to
// every live member whose filter accepts the post. It returns the
// number of dead members swept out during the walk.
func (c *Channel) Broadcast(p Post, sharedJSON []byte) int {
	c.insert(p)

	dead := 0
	live := c.members[:0]
	for _, m := range c.members {
		if !m.Alive() {
			dead++
			continue
		}
		live = append(live, m)
		if m.Accepts(&p) {
			m.Deliver(sharedJSON, &p)
		}
	}
	c.members = live
	return dead
}

func (c *Channel) insert(p Post) {
	i := sort.Search(len(c.posts), func(i int) bool { return c.posts[i].ID >= p.ID })
	if i < len(c.posts) && c.posts[i].ID == p.ID {
		return // duplicate by id, do not insert
	}
	c.posts = append(c.posts, Post{})
	copy(c.posts[i+1:], c.posts[i:])
	c.posts[i] = p

	if c.maxPosts > 0 && len(c.posts) > c.maxPosts {
		c.posts = c.posts[len(c.posts)-c.maxPosts:]
	}
}

// AddMember appends a new subscriber. Every cleanupRate additions, a
// full dead-entry sweep runs so a channel that is subscribed-to but
// rarely published-to doesn't grow the member vector unbounded.
func (c *Channel) AddMember(m Member) {
	c.members = append(c.members, m)
	c.insertions++
	if c.insertions%c.cleanupRate == 0 {
		c.sweep()
	}
}

// BroadcastRaw delivers data to every live member unconditionally,
// bypassing each member's filter. Used for control frames members
// should always see regardless of subscription filter, such as the
// delete notification for a post they may have already received.
func (c *Channel) BroadcastRaw(data []byte) int {
	dead := 0
	live := c.members[:0]
	for _, m := range c.members {
		if !m.Alive() {
			dead++
			continue
		}
		live = append(live, m)
		m.Deliver(data, nil)
	}
	c.members = live
	return dead
}

func (c *Channel) sweep() {
	live := c.members[:0]
	for _, m := range c.members {
		if m.Alive() {
			live = append(live, m)
		}
	}
	c.members = live
}

// RemovePost erases the post with id if it exists and was authored by
// from. It returns whether a removal happened.
func (c *Channel) RemovePost(id int64, from string) bool {
	i := sort.Search(len(c.posts), func(i int) bool { return c.posts[i].ID >= id })
	if i >= len(c.posts) || c.posts[i].ID != id {
		return false
	}
	if c.posts[i].From != from {
		return false
	}
	c.posts = append(c.posts[:i], c.posts[i+1:]...)
	return true
}

// GetPosts scans forward from the first post with id > startID,
// appending every post that satisfies predicate to the returned slice
// until max posts have been collected (0 means unbounded).
func (c *Channel) GetPosts(startID int64, max int, predicate func(*Post) bool) []Post {
	i := sort.Search(len(c.posts), func(i int) bool { return c.posts[i].ID > startID })
	var out []Post
	for ; i < len(c.posts); i++ {
		p := c.posts[i]
		if predicate != nil && !predicate(&p) {
			continue
		}
		out = append(out, p)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// RemoveExpiredPosts prunes every post older than ttl (relative to
// now) and returns the removed posts so the caller can broadcast a
// delete command for each. The source's equivalent routine returned an
// always-empty vector because its filter predicate was commented out;
// this is the fixed contract spec.md §9 mandates.
func (c *Channel) RemoveExpiredPosts(now int64, ttl int64) []Post {
	var removed []Post
	kept := c.posts[:0]
	for _, p := range c.posts {
		if p.Date+ttl < now {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	c.posts = kept
	return removed
}

// Len reports the number of posts currently held (used by the admin
// stats surface).
func (c *Channel) Len() int { return len(c.posts) }

// MemberCount reports the number of tracked members, including any not
// yet swept after going dead.
func (c *Channel) MemberCount() int { return len(c.members) }
