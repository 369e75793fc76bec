package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Location is a resolved place. Produced once per distinct place by the place
// resolver and shared by reference; never mutated after construction.
type Location struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	ScaleRank int     `json:"scale_rank"`
	PopRank   int     `json:"pop_rank"`
}

// User is a post author as delivered by the upstream API
type User struct {
	ID              int64  `json:"id"`
	ScreenName      string `json:"screen_name"`
	Name            string `json:"name,omitempty"`
	ProfileImageURL string `json:"profile_image_url_https,omitempty"`
}

// Post is a single stream item (a tweet)
type Post struct {
	ID                int64     `json:"id"`
	CreatedAt         Timestamp `json:"created_at"`
	Text              string    `json:"text,omitempty"`
	User              *User     `json:"user,omitempty"`
	Coordinates       *Point    `json:"coordinates,omitempty"`
	Place             *Place    `json:"place,omitempty"`
	InReplyToStatusID *int64    `json:"in_reply_to_status_id,omitempty"`
	RetweetedStatus   *Post     `json:"retweeted_status,omitempty"`
	RetweetedStatusID *int64    `json:"retweeted_status_id,omitempty"`
	QuotedStatus      *Post     `json:"quoted_status,omitempty"`
	QuotedStatusID    *int64    `json:"quoted_status_id,omitempty"`
	Entities          Entities  `json:"entities"`
}

// Point is a GeoJSON point, coordinates are [longitude, latitude]
type Point struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// Longitude of the point
func (p *Point) Longitude() float64 { return p.Coordinates[0] }

// Latitude of the point
func (p *Point) Latitude() float64 { return p.Coordinates[1] }

// Place is the upstream place attached to a post
type Place struct {
	ID          string       `json:"id,omitempty"`
	FullName    string       `json:"full_name,omitempty"`
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
}

// BoundingBox is a GeoJSON polygon with a single ring of corners
type BoundingBox struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Bounds returns (minLon, minLat, maxLon, maxLat) over the outer ring.
// ok is false when the ring is empty.
func (b *BoundingBox) Bounds() (minLon, minLat, maxLon, maxLat float64, ok bool) {
	if b == nil || len(b.Coordinates) == 0 || len(b.Coordinates[0]) == 0 {
		return 0, 0, 0, 0, false
	}
	ring := b.Coordinates[0]
	minLon, minLat = ring[0][0], ring[0][1]
	maxLon, maxLat = minLon, minLat
	for _, c := range ring[1:] {
		minLon = min(minLon, c[0])
		maxLon = max(maxLon, c[0])
		minLat = min(minLat, c[1])
		maxLat = max(maxLat, c[1])
	}
	return minLon, minLat, maxLon, maxLat, true
}

// Entities holds the hashtags and mentions of a post
type Entities struct {
	Hashtags     []Hashtag     `json:"hashtags,omitempty"`
	UserMentions []UserMention `json:"user_mentions,omitempty"`
}

// Hashtag entity, Text has no leading '#'
type Hashtag struct {
	Text string `json:"text"`
}

// UserMention entity, ScreenName has no leading '@'
type UserMention struct {
	ID         int64  `json:"id,omitempty"`
	ScreenName string `json:"screen_name"`
}

// ReplyToID returns the id this post replies to, if any
func (p *Post) ReplyToID() (int64, bool) {
	return optionalID(p.InReplyToStatusID)
}

// RetweetID returns the id of a retweeted post that was not embedded
func (p *Post) RetweetID() (int64, bool) {
	return optionalID(p.RetweetedStatusID)
}

// QuoteID returns the id of a quoted post that was not embedded
func (p *Post) QuoteID() (int64, bool) {
	return optionalID(p.QuotedStatusID)
}

// ScreenName returns the author's screen name or "" when unknown
func (p *Post) ScreenName() string {
	if p.User == nil {
		return ""
	}
	return p.User.ScreenName
}

// Users returns the author plus any embedded retweeted/quoted authors
func (p *Post) Users() []*User {
	var users []*User
	if p.User != nil {
		users = append(users, p.User)
	}
	if p.RetweetedStatus != nil && p.RetweetedStatus.User != nil {
		users = append(users, p.RetweetedStatus.User)
	}
	if p.QuotedStatus != nil && p.QuotedStatus.User != nil {
		users = append(users, p.QuotedStatus.User)
	}
	return users
}

func optionalID(id *int64) (int64, bool) {
	if id == nil || *id <= 0 {
		return 0, false
	}
	return *id, true
}

// Timestamp accepts the upstream created_at layout (time.RubyDate) and RFC 3339
type Timestamp struct {
	time.Time
}

// UnmarshalJSON parses either supported layout
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RubyDate, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("created_at: unsupported time %q", raw)
}

// MarshalJSON writes the upstream layout
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(time.RubyDate))
}

// UnixMilli returns the timestamp in milliseconds, 0 when unset
func (t Timestamp) UnixMilli() int64 {
	if t.IsZero() {
		return 0
	}
	return t.Time.UnixMilli()
}

// DecodePost parses a single JSON post
func DecodePost(data []byte) (*Post, error) {
	var post Post
	if err := json.Unmarshal(data, &post); err != nil {
		return nil, fmt.Errorf("failed to parse post JSON: %w", err)
	}
	if post.ID <= 0 {
		return nil, fmt.Errorf("post has no id")
	}
	return &post, nil
}
