// Package upstream fetches posts, users, rate-limit budgets and trends from the
// upstream REST API.
package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alvmarrod/geoconvo/internal/governor"
	"github.com/alvmarrod/geoconvo/internal/model"
	"github.com/gocolly/colly/v2"
)

// ErrNotFound is returned when the upstream reports the entity does not exist
var ErrNotFound = errors.New("upstream: not found")

// StatusError is returned for any other non-2xx response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

const (
	ctxBody   = "body"
	ctxStatus = "status"
)

// Client is a synchronous REST client built on a colly collector.
// It is safe for concurrent use.
type Client struct {
	baseURL     string
	bearerToken string
	collector   *colly.Collector

	now func() time.Time
}

// NewClient creates a client for baseURL authenticating with bearerToken
func NewClient(baseURL, bearerToken, userAgent string, timeout time.Duration) *Client {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(userAgent),
	)

	// Set request timeout
	collector.SetRequestTimeout(timeout)

	// Keep every response, including errors, in the request context
	collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxBody, r.Body)
	})

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		collector:   collector,
		now:         time.Now,
	}
}

// get performs a GET and decodes the JSON response into out
func (c *Client) get(path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	hdr := http.Header{}
	hdr.Set("Accept", "application/json")
	if c.bearerToken != "" {
		hdr.Set("Authorization", "Bearer "+c.bearerToken)
	}

	ctx := colly.NewContext()
	if err := c.collector.Request(http.MethodGet, target, nil, ctx, hdr); err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}

	status, _ := ctx.GetAny(ctxStatus).(int)
	body, _ := ctx.GetAny(ctxBody).([]byte)
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status < 200 || status > 299:
		return &StatusError{URL: path, StatusCode: status}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

// GetPost fetches a single post by id
func (c *Client) GetPost(id int64) (*model.Post, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(id, 10))
	query.Set("include_entities", "true")

	var post model.Post
	if err := c.get("/statuses/show.json", query, &post); err != nil {
		return nil, err
	}
	if post.ID <= 0 {
		return nil, ErrNotFound
	}
	return &post, nil
}

// GetUser fetches a single user by id
func (c *Client) GetUser(id int64) (*model.User, error) {
	query := url.Values{}
	query.Set("user_id", strconv.FormatInt(id, 10))

	var user model.User
	if err := c.get("/users/show.json", query, &user); err != nil {
		return nil, err
	}
	if user.ID <= 0 {
		return nil, ErrNotFound
	}
	return &user, nil
}

type rateLimitResponse struct {
	Resources map[string]map[string]struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	} `json:"resources"`
}

// RateLimitStatus returns the budget of one resource.
// found is false when the upstream does not report the endpoint.
func (c *Client) RateLimitStatus(group, endpoint string) (governor.Budget, bool, error) {
	query := url.Values{}
	query.Set("resources", group)

	var resp rateLimitResponse
	if err := c.get("/application/rate_limit_status.json", query, &resp); err != nil {
		return governor.Budget{}, false, err
	}

	status, ok := resp.Resources[group][endpoint]
	if !ok {
		return governor.Budget{}, false, nil
	}

	untilReset := max(status.Reset-c.now().Unix(), 0)
	return governor.Budget{
		Limit:             status.Limit,
		Remaining:         status.Remaining,
		SecondsUntilReset: int(untilReset),
	}, true, nil
}

// PlaceType classifies a trend place
type PlaceType struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// TrendPlace is a place for which trends are available
type TrendPlace struct {
	Name        string    `json:"name"`
	WOEID       int64     `json:"woeid"`
	ParentID    int64     `json:"parentid"`
	Country     string    `json:"country"`
	CountryCode string    `json:"countryCode"`
	PlaceType   PlaceType `json:"placeType"`
}

// Trend is one trending term of a place
type Trend struct {
	Name        string `json:"name"`
	Query       string `json:"query"`
	TweetVolume *int64 `json:"tweet_volume"`
}

// AvailableTrends lists every place trends can be requested for
func (c *Client) AvailableTrends() ([]TrendPlace, error) {
	var places []TrendPlace
	if err := c.get("/trends/available.json", nil, &places); err != nil {
		return nil, err
	}
	return places, nil
}

// PlaceTrends returns the current trends of a place
func (c *Client) PlaceTrends(woeid int64) ([]Trend, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(woeid, 10))

	var resp []struct {
		Trends []Trend `json:"trends"`
	}
	if err := c.get("/trends/place.json", query, &resp); err != nil {
		return nil, err
	}

	var trends []Trend
	for _, entry := range resp {
		trends = append(trends, entry.Trends...)
	}
	return trends, nil
}
