package xsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func searchServer(t *testing.T, pages int, perPage int, requests *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/2/tweets/search/recent", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.URL.Query().Get("query"))
		require.NotEmpty(t, r.URL.Query().Get("start_time"))

		*requests++
		page := *requests

		data := make([]map[string]interface{}, 0, perPage)
		for i := 0; i < perPage; i++ {
			data = append(data, map[string]interface{}{
				"id":         fmt.Sprintf("p%d-%d", page, i),
				"text":       "some post text",
				"author_id":  "u1",
				"created_at": time.Now().UTC().Format(time.RFC3339),
				"public_metrics": map[string]int{
					"like_count":    10 * i,
					"retweet_count": i,
					"reply_count":   1,
				},
			})
		}

		resp := map[string]interface{}{
			"data": data,
			"includes": map[string]interface{}{
				"users": []map[string]string{{"id": "u1", "username": "somebody"}},
			},
			"meta": map[string]interface{}{},
		}
		if page < pages {
			resp["meta"] = map[string]interface{}{"next_token": fmt.Sprintf("t%d", page)}
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(baseURL string) Config {
	return Config{
		BearerToken:  "test-token",
		BaseURL:      baseURL,
		MaxFetch:     150,
		LookbackDays: 7,
	}
}

func TestRequestsPerMinuteSetsLimiter(t *testing.T) {
	cfg := testConfig("http://example.test")
	cfg.RequestsPerMinute = 120
	assert.Equal(t, rate.Every(time.Minute/120), NewClient(cfg, nil).limiter.Limit())

	// default is 60 requests per minute
	assert.Equal(t, rate.Every(time.Second), NewClient(testConfig("http://example.test"), nil).limiter.Limit())
}

func TestSearchPaginatesToBudget(t *testing.T) {
	requests := 0
	server := searchServer(t, 5, 100, &requests)
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	posts, err := client.Search(context.Background(), BuildQuery("fed rate cut"))
	require.NoError(t, err)

	// two pages of 100 fetched, trimmed to the 150 budget
	assert.Equal(t, 2, requests)
	assert.Len(t, posts, 150)
	assert.Equal(t, "somebody", posts[0].Author)
	assert.Equal(t, "p1-0", posts[0].ID)
}

func TestSearchStopsWhenNoNextToken(t *testing.T) {
	requests := 0
	server := searchServer(t, 1, 30, &requests)
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	posts, err := client.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
	assert.Len(t, posts, 30)
}

func TestSearchRateLimitedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	_, err := client.Search(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSearchUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	_, err := client.Search(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestUserPostsCapped(t *testing.T) {
	requests := 0
	server := searchServer(t, 1, 50, &requests)
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	posts, err := client.UserPosts(context.Background(), "tyzchen", 10)
	require.NoError(t, err)
	assert.Len(t, posts, 10)
}

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "(fed rate cut) -is:retweet lang:en", BuildQuery(" fed rate cut "))
}

func TestEngagementRanking(t *testing.T) {
	p := Post{Likes: 10, Retweets: 5}
	assert.Equal(t, 20, p.Engagement())
}

func TestCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(rdb, time.Minute)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "query")
	assert.False(t, ok)

	posts := []Post{{ID: "1", Author: "a", Text: "t", Likes: 3}}
	cache.Set(ctx, "query", posts)

	got, ok := cache.Get(ctx, "query")
	require.True(t, ok)
	assert.Equal(t, posts, got)

	// TTL expiry drops the entry
	mr.FastForward(2 * time.Minute)
	_, ok = cache.Get(ctx, "query")
	assert.False(t, ok)
}

func TestSearchUsesCache(t *testing.T) {
	requests := 0
	server := searchServer(t, 1, 5, &requests)
	defer server.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClient(testConfig(server.URL), NewCache(rdb, time.Minute))

	ctx := context.Background()
	first, err := client.Search(ctx, "cached query")
	require.NoError(t, err)
	second, err := client.Search(ctx, "cached query")
	require.NoError(t, err)

	assert.Equal(t, 1, requests)
	assert.Equal(t, first, second)
}
