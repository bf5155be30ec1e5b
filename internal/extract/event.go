package extract

import "time"

// Kind classifies a decoded chat-feed occurrence.
type Kind string

const (
	KindChat       Kind = "chat"
	KindGift       Kind = "gift"
	KindRoomStats  Kind = "room_stats"
	KindUserSeq    Kind = "user_seq"
	KindLike       Kind = "like"
	KindMemberJoin Kind = "member_join"
	KindControl    Kind = "control"
	KindUnknown    Kind = "unknown"
)

// User identifies the originating viewer, when one could be recovered.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Level    int    `json:"level,omitempty"`
	Badge    string `json:"badge,omitempty"`
}

// Event is one decoded chat/system occurrence. Events are immutable
// after extraction; KindUnknown events carry whatever strings were
// salvaged, never synthesized text.
type Event struct {
	Kind      Kind      `json:"kind"`
	User      *User     `json:"user,omitempty"`
	Text      string    `json:"text,omitempty"`
	GiftName  string    `json:"gift_name,omitempty"`
	GiftCount int       `json:"gift_count,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Heuristic marks events classified by the fallback string scan
	// rather than structured parsing; consumers should treat them as
	// lower confidence.
	Heuristic bool `json:"heuristic,omitempty"`
}
