package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default endpoints for the search fallback providers.
const (
	DefaultTavilyURL     = "https://api.tavily.com/search"
	DefaultDuckDuckGoURL = "https://api.duckduckgo.com/"
)

// SearchOptions configures the fallback search client. Tavily is the
// primary provider and is selected by the presence of an API key;
// DuckDuckGo instant answers serve as the keyless secondary.
type SearchOptions struct {
	TavilyAPIKey  string
	TavilyURL     string
	DuckDuckGoURL string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// SearchClient is the general-purpose web search used when the repair
// lookup chain yields nothing usable.
type SearchClient struct {
	tavilyKey  string
	tavilyURL  string
	duckURL    string
	httpClient *http.Client
}

// NewSearchClient constructs a search client.
func NewSearchClient(optFns ...func(o *SearchOptions)) *SearchClient {
	opts := SearchOptions{
		TavilyURL:     DefaultTavilyURL,
		DuckDuckGoURL: DefaultDuckDuckGoURL,
		Timeout:       10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &SearchClient{
		tavilyKey:  opts.TavilyAPIKey,
		tavilyURL:  opts.TavilyURL,
		duckURL:    opts.DuckDuckGoURL,
		httpClient: opts.HTTPClient,
	}
}

// Search runs the primary provider when configured and falls through to
// the secondary. A provider failure here degrades to NotFound rather than
// Error: the search itself is already the last fallback in the chain.
func (c *SearchClient) Search(ctx context.Context, query string) Result {
	if c.tavilyKey != "" {
		if res, ok := c.searchTavily(ctx, query); ok {
			return res
		}
	}
	return c.searchDuckDuckGo(ctx, query)
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
}

func (c *SearchClient) searchTavily(ctx context.Context, query string) (Result, bool) {
	payload, err := json.Marshal(map[string]any{
		"api_key":      c.tavilyKey,
		"query":        query,
		"search_depth": "basic",
		"max_results":  3,
	})
	if err != nil {
		return Result{}, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tavilyURL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Result{}, false
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, false
	}
	if len(decoded.Results) == 0 {
		return Result{}, false
	}

	var b strings.Builder
	b.WriteString("Web search results:\n\n")
	for idx, r := range decoded.Results {
		if idx >= 3 {
			break
		}
		content := r.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fmt.Fprintf(&b, "**%d. %s**\n%s\nSource: %s\n\n", idx+1, r.Title, content, r.URL)
	}
	return Result{Kind: KindWebSearch, Outcome: OutcomeSuccess, Text: clamp(b.String())}, true
}

type duckDuckGoResponse struct {
	Abstract       string `json:"Abstract"`
	AbstractSource string `json:"AbstractSource"`
	AbstractURL    string `json:"AbstractURL"`
	RelatedTopics  []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (c *SearchClient) searchDuckDuckGo(ctx context.Context, query string) Result {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.duckURL+"?"+params.Encode(), nil)
	if err != nil {
		return errorResult(KindWebSearch, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorResult(KindWebSearch, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errorResult(KindWebSearch, &statusError{code: resp.StatusCode})
	}

	var decoded duckDuckGoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return errorResult(KindWebSearch, err)
	}

	if decoded.Abstract != "" {
		var b strings.Builder
		fmt.Fprintf(&b, "**Web Search Result:**\n\n%s\n\n", decoded.Abstract)
		if decoded.AbstractSource != "" {
			fmt.Fprintf(&b, "Source: %s", decoded.AbstractSource)
		}
		if decoded.AbstractURL != "" {
			fmt.Fprintf(&b, " (%s)", decoded.AbstractURL)
		}
		return Result{Kind: KindWebSearch, Outcome: OutcomeSuccess, Text: clamp(b.String())}
	}

	if len(decoded.RelatedTopics) > 0 {
		var b strings.Builder
		b.WriteString("**Related Information:**\n\n")
		count := 0
		for _, topic := range decoded.RelatedTopics {
			if topic.Text == "" {
				continue
			}
			count++
			fmt.Fprintf(&b, "%d. %s\n", count, topic.Text)
			if topic.FirstURL != "" {
				fmt.Fprintf(&b, "   %s\n", topic.FirstURL)
			}
			if count >= 3 {
				break
			}
		}
		if count > 0 {
			return Result{Kind: KindWebSearch, Outcome: OutcomeSuccess, Text: clamp(b.String())}
		}
	}

	return Result{
		Kind:    KindWebSearch,
		Outcome: OutcomeNotFound,
		Text:    fmt.Sprintf("No detailed web results found. Suggest the user search for %q manually for repair videos.", query),
	}
}
