package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

// Client is a ScoreProvider backed by the content API's HTTP endpoints.
// Bulk lookups use the info endpoint, which accepts up to MaxBatchSize
// fullname-prefixed ids per request.
type Client struct {
	http      *resty.Client
	userAgent string
}

// NewClient creates a provider client for the given API base URL and
// credential.
func NewClient(baseURL, accessToken, userAgent string) *Client {
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetTimeout(15 * time.Second)
	c.SetAuthToken(accessToken)
	c.SetHeader("User-Agent", userAgent)

	return &Client{http: c, userAgent: userAgent}
}

// listing mirrors the upstream envelope: a listing of post things.
type listing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Score      int64   `json:"score"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (l *listing) posts() []model.Post {
	posts := make([]model.Post, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		p := model.Post{
			ID:    child.Data.ID,
			Score: decimal.NewFromInt(child.Data.Score),
		}
		if child.Data.CreatedUTC > 0 {
			p.CreatedAt = time.Unix(int64(child.Data.CreatedUTC), 0).UTC()
		}
		posts = append(posts, p)
	}
	return posts
}

// fullname prefixes an id for the info endpoint ("t3_" marks a post).
func fullname(id string) string {
	if strings.HasPrefix(id, "t3_") {
		return id
	}
	return "t3_" + id
}

func (c *Client) GetScore(ctx context.Context, id string) (*model.Post, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/by_id/%s.json", fullname(id)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}

	var l listing
	if err := json.Unmarshal(resp.Body(), &l); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	posts := l.posts()
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

func (c *Client) GetScores(ctx context.Context, ids []string) ([]model.Post, error) {
	var all []model.Post

	for start := 0; start < len(ids); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		fullnames := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			fullnames = append(fullnames, fullname(id))
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("id", strings.Join(fullnames, ",")).
			Get("/api/info")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
		}

		var l listing
		if err := json.Unmarshal(resp.Body(), &l); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		all = append(all, l.posts()...)
	}

	return all, nil
}
