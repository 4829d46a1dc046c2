// Package xsearch fetches recent public posts from the X search API. All
// outbound calls flow through one rate limiter and one circuit breaker;
// results are cached briefly so the nine noise traders polling the same
// topic in a round share one fetch.
package xsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Breaker thresholds for the search service
const (
	searchMinRequests  = 5
	searchFailureRatio = 0.6
	searchOpenTimeout  = 30 * time.Second
	searchHalfOpenMax  = 2
	searchPageSize     = 100
)

// ErrRateLimited signals the search service asked us to back off
var ErrRateLimited = fmt.Errorf("search service rate limited")

// Post is one public post with its engagement counts
type Post struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Likes     int       `json:"likes"`
	Retweets  int       `json:"retweets"`
	Replies   int       `json:"replies"`
	CreatedAt time.Time `json:"created_at"`
}

// Engagement is the ranking weight used by fallback ordering
func (p Post) Engagement() int {
	return p.Likes + 2*p.Retweets
}

// Config for the search client
type Config struct {
	BearerToken       string
	BaseURL           string // default https://api.x.com
	MaxFetch          int    // fetch budget across pages, default 200
	LookbackDays      int    // default 7
	RequestsPerMinute int    // default 60
	Timeout           time.Duration
}

// Client calls the recent-search endpoint with pagination
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	cache      *Cache
}

// NewClient creates a search client. cache may be nil.
func NewClient(config Config, cache *Cache) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.x.com"
	}
	if config.MaxFetch <= 0 {
		config.MaxFetch = 200
	}
	if config.LookbackDays <= 0 {
		config.LookbackDays = 7
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "xsearch",
		MaxRequests: searchHalfOpenMax,
		Timeout:     searchOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= searchMinRequests && ratio >= searchFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Search circuit breaker state changed")
		},
	})

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), 2),
		breaker:    breaker,
		cache:      cache,
	}
}

// BuildQuery wraps a topic in the standard search filter
func BuildQuery(topic string) string {
	return fmt.Sprintf("(%s) -is:retweet lang:en", strings.TrimSpace(topic))
}

// SearchTopic searches recent posts about a topic within the lookback window
func (c *Client) SearchTopic(ctx context.Context, topic string) ([]Post, error) {
	return c.Search(ctx, BuildQuery(topic))
}

// UserPosts fetches one account's recent posts, newest first
func (c *Client) UserPosts(ctx context.Context, username string, max int) ([]Post, error) {
	posts, err := c.Search(ctx, fmt.Sprintf("from:%s -is:retweet", username))
	if err != nil {
		return nil, err
	}
	if max > 0 && len(posts) > max {
		posts = posts[:max]
	}
	return posts, nil
}

// Search runs a raw query, paginating until the fetch budget is spent.
// Cached results short-circuit the network entirely.
func (c *Client) Search(ctx context.Context, query string) ([]Post, error) {
	if c.cache != nil {
		if posts, ok := c.cache.Get(ctx, query); ok {
			return posts, nil
		}
	}

	since := time.Now().UTC().AddDate(0, 0, -c.config.LookbackDays)

	var posts []Post
	nextToken := ""
	for len(posts) < c.config.MaxFetch {
		page, token, err := c.fetchPage(ctx, query, since, nextToken)
		if err != nil {
			return nil, err
		}
		posts = append(posts, page...)
		if token == "" {
			break
		}
		nextToken = token
	}
	if len(posts) > c.config.MaxFetch {
		posts = posts[:c.config.MaxFetch]
	}

	log.Debug().Str("query", query).Int("posts", len(posts)).Msg("Search completed")

	if c.cache != nil && len(posts) > 0 {
		c.cache.Set(ctx, query, posts)
	}
	return posts, nil
}

// wire shapes of the recent-search endpoint
type searchResponse struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		AuthorID      string    `json:"author_id"`
		CreatedAt     time.Time `json:"created_at"`
		PublicMetrics struct {
			LikeCount    int `json:"like_count"`
			RetweetCount int `json:"retweet_count"`
			ReplyCount   int `json:"reply_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

func (c *Client) fetchPage(ctx context.Context, query string, since time.Time, nextToken string) ([]Post, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doFetch(ctx, query, since, nextToken)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, "", fmt.Errorf("search service unavailable: %w", err)
		}
		return nil, "", err
	}

	resp := result.(*searchResponse)

	users := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		users[u.ID] = u.Username
	}

	posts := make([]Post, 0, len(resp.Data))
	for _, d := range resp.Data {
		posts = append(posts, Post{
			ID:        d.ID,
			Author:    users[d.AuthorID],
			Text:      d.Text,
			Likes:     d.PublicMetrics.LikeCount,
			Retweets:  d.PublicMetrics.RetweetCount,
			Replies:   d.PublicMetrics.ReplyCount,
			CreatedAt: d.CreatedAt,
		})
	}
	return posts, resp.Meta.NextToken, nil
}

func (c *Client) doFetch(ctx context.Context, query string, since time.Time, nextToken string) (*searchResponse, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", fmt.Sprintf("%d", searchPageSize))
	params.Set("start_time", since.Format(time.RFC3339))
	params.Set("tweet.fields", "created_at,public_metrics,author_id")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username")
	if nextToken != "" {
		params.Set("next_token", nextToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/2/tweets/search/recent?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
