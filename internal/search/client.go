// Package search is the web-search collaborator. The core treats it as an
// asynchronous function that eventually returns result URLs or fails; all
// provider detail lives here.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher is the collaborator contract the pipeline consumes.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

const defaultAPIURL = "https://api.tavily.com/search"

// Client implements Searcher against the Tavily API.
type Client struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	limiter    *Limiter
}

// tavilyRequest is the Tavily search request body.
type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type tavilyResponse struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// NewClient creates a Tavily search client. minInterval throttles request
// starts; zero means unlimited.
func NewClient(apiKey, apiURL string, minInterval time.Duration) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		apiKey: apiKey,
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: NewLimiter(minInterval),
	}
}

// Search runs one query and returns up to count results.
func (c *Client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	request := tavilyRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  count,
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var tavilyResp tavilyResponse
	if err := json.Unmarshal(body, &tavilyResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := tavilyResp.Results
	if count > 0 && len(results) > count {
		results = results[:count]
	}
	return results, nil
}

// URLs extracts the result URLs in rank order.
func URLs(results []Result) []string {
	ret := make([]string, 0, len(results))
	for _, r := range results {
		if r.URL != "" {
			ret = append(ret, r.URL)
		}
	}
	return ret
}
