package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Profile struct {
	Id        string `json:"id"`
	Username  string `json:"username"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type Listing struct {
	Id          int       `json:"id"`
	ExternalId  string    `json:"external_id"`
	SellerId    string    `json:"seller_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	PriceCents  int       `json:"price_cents"`
	ImageUrl    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type Post struct {
	Id        int       `json:"id"`
	AuthorId  string    `json:"author_id"`
	Content   string    `json:"content"`
	ImageUrl  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Comment struct {
	Id        int       `json:"id"`
	PostId    int       `json:"post_id"`
	UserId    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id         int       `json:"id"`
	SenderId   string    `json:"sender_id"`
	ReceiverId string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// AggregateCounters holds the per-post counts maintained by the
// reconciliation engine. Counts never go negative.
type AggregateCounters struct {
	LikeCount    int `json:"like_count"`
	CommentCount int `json:"comment_count"`
}

// ViewerFlags holds the current viewer's own interaction state with a
// post. Events from other users never change these.
type ViewerFlags struct {
	Liked      bool `json:"liked"`
	Bookmarked bool `json:"bookmarked"`
}

type ConversationSummary struct {
	PeerId          string    `json:"peer_id"`
	PeerUsername    string    `json:"peer_username,omitempty"`
	PeerAvatarUrl   string    `json:"peer_avatar_url,omitempty"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `json:"unread_count"`
}
