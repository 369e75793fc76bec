package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePost = `{
  "id": 1001,
  "created_at": "Wed Oct 10 20:19:24 +0000 2018",
  "text": "hello #golang @gopher",
  "user": {"id": 7, "screen_name": "alice", "profile_image_url_https": "https://img/alice.png"},
  "coordinates": {"type": "Point", "coordinates": [2.35, 48.85]},
  "place": null,
  "in_reply_to_status_id": 1000,
  "quoted_status_id": 900,
  "retweeted_status": {"id": 800, "created_at": "2018-10-10T20:00:00Z", "user": {"id": 8, "screen_name": "bob"}},
  "entities": {"hashtags": [{"text": "golang"}], "user_mentions": [{"id": 9, "screen_name": "gopher"}]}
}`

func TestDecodePost(t *testing.T) {
	post, err := DecodePost([]byte(samplePost))
	require.NoError(t, err)

	assert.Equal(t, int64(1001), post.ID)
	assert.Equal(t, time.Date(2018, 10, 10, 20, 19, 24, 0, time.UTC).UnixMilli(), post.CreatedAt.UnixMilli())
	assert.Equal(t, "alice", post.ScreenName())
	require.NotNil(t, post.Coordinates)
	assert.Equal(t, 2.35, post.Coordinates.Longitude())
	assert.Equal(t, 48.85, post.Coordinates.Latitude())
	assert.Nil(t, post.Place)

	replyID, ok := post.ReplyToID()
	assert.True(t, ok)
	assert.Equal(t, int64(1000), replyID)

	quoteID, ok := post.QuoteID()
	assert.True(t, ok)
	assert.Equal(t, int64(900), quoteID)

	_, ok = post.RetweetID()
	assert.False(t, ok)
	require.NotNil(t, post.RetweetedStatus)
	assert.Equal(t, int64(800), post.RetweetedStatus.ID)

	users := post.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[1].ScreenName)
}

func TestDecodePost_Errors(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		_, err := DecodePost([]byte(`{`))
		assert.Error(t, err)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := DecodePost([]byte(`{"text": "x"}`))
		assert.Error(t, err)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		_, err := DecodePost([]byte(`{"id": 1, "created_at": "yesterday"}`))
		assert.Error(t, err)
	})
}

func TestBoundingBoxBounds(t *testing.T) {
	box := &BoundingBox{
		Type: "Polygon",
		Coordinates: [][][2]float64{{
			{-74.05, 40.68}, {-73.85, 40.68}, {-73.85, 40.88}, {-74.05, 40.88},
		}},
	}
	minLon, minLat, maxLon, maxLat, ok := box.Bounds()
	require.True(t, ok)
	assert.Equal(t, []float64{-74.05, 40.68, -73.85, 40.88}, []float64{minLon, minLat, maxLon, maxLat})

	_, _, _, _, ok = (&BoundingBox{}).Bounds()
	assert.False(t, ok)
}

func TestEntityExtraction(t *testing.T) {
	t.Run("entities win over text", func(t *testing.T) {
		post := &Post{
			Text:     "#ignored @ignored",
			Entities: Entities{Hashtags: []Hashtag{{Text: "used"}}, UserMentions: []UserMention{{ScreenName: "used"}}},
		}
		assert.Equal(t, []string{"used"}, post.HashtagTexts())
		assert.Equal(t, []string{"used"}, post.MentionedScreenNames())
	})

	t.Run("text fallback", func(t *testing.T) {
		post := &Post{Text: "#Paris rocks, ask @bob_1 and mail x@example.com #été"}
		assert.Equal(t, []string{"Paris", "été"}, post.HashtagTexts())
		assert.Equal(t, []string{"bob_1"}, post.MentionedScreenNames())
	})

	t.Run("empty text", func(t *testing.T) {
		post := &Post{}
		assert.Empty(t, post.HashtagTexts())
		assert.Empty(t, post.MentionedScreenNames())
	})

	t.Run("normalize screen name", func(t *testing.T) {
		assert.Equal(t, "alice", NormalizeScreenName(" @alice"))
		assert.Equal(t, "alice", NormalizeScreenName("alice"))
	})
}
