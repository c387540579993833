package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SearchName is the tool name of the web search tool.
const SearchName = "search"

// SearchArgs are the arguments of the search tool.
type SearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchResponse is the tool result.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// Searcher calls a Tavily-compatible search API.
type Searcher struct {
	url        string
	apiKey     string
	maxResults int
	httpClient *http.Client
}

// NewSearcher creates a Searcher.
func NewSearcher(url, apiKey string, maxResults int) *Searcher {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Searcher{url: url, apiKey: apiKey, maxResults: maxResults, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Definition describes the search tool.
func (s *Searcher) Definition() Definition {
	return Definition{
		Name:        SearchName,
		Description: "Search the web for up-to-date information. Returns titles, URLs and snippets.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query":       map[string]interface{}{"type": "string", "description": "The search query"},
				"max_results": map[string]interface{}{"type": "integer", "description": "Maximum number of results"},
			},
			"required": []string{"query"},
		},
	}
}

// Execute implements ExecutorFunc.
func (s *Searcher) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid search arguments: %w", err)
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if args.MaxResults <= 0 || args.MaxResults > s.maxResults {
		args.MaxResults = s.maxResults
	}

	body, err := json.Marshal(map[string]interface{}{
		"query":        args.Query,
		"max_results":  args.MaxResults,
		"search_depth": "basic",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call search API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search API error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(out.Results) > args.MaxResults {
		out.Results = out.Results[:args.MaxResults]
	}
	if out.Results == nil {
		out.Results = []SearchResult{}
	}
	return json.Marshal(SearchResponse{Query: args.Query, Results: out.Results})
}
