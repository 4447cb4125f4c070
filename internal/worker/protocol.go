package worker

import "github.com/mzimbres/occase-gateway/internal/channel"

// envelope peeks the cmd field shared by every inbound frame
// (spec.md §6: "each frame is a JSON object with a cmd field").
type envelope struct {
	Cmd string `json:"cmd"`
}

type registerMsg struct {
	Token string `json:"token,omitempty"`
}

type loginMsg struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Token    string `json:"token,omitempty"`
}

type subscribeMsg struct {
	LastPostID    int64    `json:"last_post_id"`
	Filters       []uint64 `json:"filters"`
	AnyOfFeatures uint64   `json:"any_of_features"`
	Ranges        [][2]int `json:"ranges"`
}

type publishMsg struct {
	Items []channel.Post `json:"items"`
}

type messageMsg struct {
	To      string `json:"to"`
	PostID  int64  `json:"post_id"`
	ID      int64  `json:"id"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type presenceMsg struct {
	To string `json:"to"`
}

type deleteMsg struct {
	ID int64 `json:"id"`
}

type filenamesMsg struct {
	Count int `json:"count,omitempty"`
}

type registerAck struct {
	Cmd      string `json:"cmd"`
	Result   string `json:"result"`
	ID       string `json:"id"`
	Password string `json:"password"`
}

type loginAck struct {
	Cmd            string `json:"cmd"`
	Result         string `json:"result"`
	RemainingPosts int    `json:"remaining_posts"`
}

type subscribeAck struct {
	Cmd    string `json:"cmd"`
	Result string `json:"result"`
}

type postEnvelope struct {
	Cmd   string         `json:"cmd"`
	Items []channel.Post `json:"items"`
}

type publishAck struct {
	Cmd    string `json:"cmd"`
	Result string `json:"result"`
	ID     int64  `json:"id,omitempty"`
	Date   int64  `json:"date,omitempty"`
}

type deleteAck struct {
	Cmd    string `json:"cmd"`
	Result string `json:"result"`
}

type messageServerAck struct {
	Cmd    string `json:"cmd"`
	From   string `json:"from"`
	PostID int64  `json:"post_id"`
	AckID  int64  `json:"ack_id"`
	Type   string `json:"type"`
	Result string `json:"result"`
}

type messageDeliver struct {
	Cmd     string `json:"cmd"`
	From    string `json:"from"`
	PostID  int64  `json:"post_id"`
	Message string `json:"message"`
	Type    string `json:"type"`
	ID      int64  `json:"id"`
}

type filenamesAck struct {
	Cmd    string   `json:"cmd"`
	Result string   `json:"result"`
	Names  []string `json:"names,omitempty"`
}

// deleteCommand is the menu-channel payload a delete broadcasts
// instead of a post, distinguished by the presence of cmd (spec.md
// §4.6: "distinguish a delete command (has cmd field) from a plain
// post"). from travels with it so every peer node's local ownership
// check (channel.Channel.RemovePost) can run independently.
type deleteCommand struct {
	Cmd  string `json:"cmd"`
	ID   int64  `json:"id"`
	From string `json:"from"`
}
