package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultIFixitBaseURL is the public iFixit API 2.0 endpoint.
const DefaultIFixitBaseURL = "https://www.ifixit.com/api/2.0"

// maxNormalizedLen bounds the normalized text handed back to the model.
// Upstream guide payloads can be arbitrarily large; truncation keeps the
// context cost bounded and prevents unvetted payloads from dominating it.
const maxNormalizedLen = 8192

// IFixitOptions configures the iFixit API client.
type IFixitOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// IFixitClient talks to the iFixit API 2.0 and reduces its responses to
// the normalized tool result form.
type IFixitClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIFixitClient constructs a client against the public API unless
// overridden (tests point BaseURL at a local httptest server).
func NewIFixitClient(optFns ...func(o *IFixitOptions)) *IFixitClient {
	opts := IFixitOptions{
		BaseURL: DefaultIFixitBaseURL,
		Timeout: 10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &IFixitClient{baseURL: strings.TrimRight(opts.BaseURL, "/"), httpClient: opts.HTTPClient}
}

type ifixitSearchResponse struct {
	Results []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"results"`
}

// FindDevice resolves free-form user text to device names via
// GET /search/{query}?filter=device. An empty result set is NotFound.
func (c *IFixitClient) FindDevice(ctx context.Context, query string) Result {
	var decoded ifixitSearchResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/search/%s?filter=device", url.PathEscape(query)), &decoded); err != nil {
		return errorResult(KindDeviceLookup, err)
	}

	if len(decoded.Results) == 0 {
		return Result{Kind: KindDeviceLookup, Outcome: OutcomeNotFound, Text: "No devices found. Try a different search term."}
	}

	results := decoded.Results
	if len(results) > 5 {
		results = results[:5]
	}
	var b strings.Builder
	b.WriteString("Found devices:\n")
	for _, item := range results {
		fmt.Fprintf(&b, "- %s (URL: %s)\n", item.Title, item.URL)
	}
	return Result{Kind: KindDeviceLookup, Outcome: OutcomeSuccess, Text: clamp(b.String())}
}

type ifixitGuidesResponse struct {
	Guides []struct {
		GuideID    int    `json:"guideid"`
		Title      string `json:"title"`
		Difficulty string `json:"difficulty"`
	} `json:"guides"`
}

// ListGuides lists repair topics for an identified device via
// GET /wikis/CATEGORY/{device_title}. A 404 is NotFound, not an error.
func (c *IFixitClient) ListGuides(ctx context.Context, deviceTitle string) Result {
	var decoded ifixitGuidesResponse
	err := c.getJSON(ctx, "/wikis/CATEGORY/"+url.PathEscape(deviceTitle), &decoded)
	if isNotFound(err) {
		return Result{Kind: KindGuideList, Outcome: OutcomeNotFound, Text: "No guides available for this device."}
	}
	if err != nil {
		return errorResult(KindGuideList, err)
	}
	if len(decoded.Guides) == 0 {
		return Result{Kind: KindGuideList, Outcome: OutcomeNotFound, Text: "No repair guides found for this device."}
	}

	guides := decoded.Guides
	if len(guides) > 10 {
		guides = guides[:10]
	}
	var b strings.Builder
	b.WriteString("Available repair guides:\n")
	for _, g := range guides {
		difficulty := g.Difficulty
		if difficulty == "" {
			difficulty = "Unknown"
		}
		fmt.Fprintf(&b, "- [%d] %s (Difficulty: %s)\n", g.GuideID, g.Title, difficulty)
	}
	return Result{Kind: KindGuideList, Outcome: OutcomeSuccess, Text: clamp(b.String())}
}

type ifixitGuideResponse struct {
	Title        string `json:"title"`
	Introduction string `json:"introduction"`
	Difficulty   string `json:"difficulty"`
	TimeRequired string `json:"time_required"`
	Steps        []struct {
		Title string `json:"title"`
		Lines []struct {
			Text string `json:"text_rendered"`
		} `json:"lines"`
		Media struct {
			Type string `json:"type"`
			Data struct {
				Standard string `json:"standard"`
			} `json:"data"`
		} `json:"media"`
	} `json:"steps"`
	Tools []struct {
		Text string `json:"text"`
	} `json:"tools"`
}

// GetGuide fetches one guide's instructions via GET /guides/{id} and
// strips everything but step text, image links and required tools.
func (c *IFixitClient) GetGuide(ctx context.Context, guideID int) Result {
	var decoded ifixitGuideResponse
	err := c.getJSON(ctx, fmt.Sprintf("/guides/%d", guideID), &decoded)
	if isNotFound(err) {
		return Result{Kind: KindGuideDetail, Outcome: OutcomeNotFound, Text: "Guide does not exist."}
	}
	if err != nil {
		return errorResult(KindGuideDetail, err)
	}

	var b strings.Builder
	title := decoded.Title
	if title == "" {
		title = "Unknown Guide"
	}
	difficulty := decoded.Difficulty
	if difficulty == "" {
		difficulty = "Unknown"
	}
	timeRequired := decoded.TimeRequired
	if timeRequired == "" {
		timeRequired = "Unknown"
	}
	fmt.Fprintf(&b, "**%s**\nDifficulty: %s | Time: %s\n\n", title, difficulty, timeRequired)
	if decoded.Introduction != "" {
		fmt.Fprintf(&b, "Introduction: %s\n\n", decoded.Introduction)
	}

	if len(decoded.Steps) == 0 {
		b.WriteString("No steps available.")
		return Result{Kind: KindGuideDetail, Outcome: OutcomeSuccess, Text: clamp(b.String())}
	}

	b.WriteString("**Repair Steps:**\n\n")
	for idx, step := range decoded.Steps {
		stepTitle := step.Title
		if stepTitle == "" {
			stepTitle = fmt.Sprintf("Step %d", idx+1)
		}
		fmt.Fprintf(&b, "**Step %d: %s**\n", idx+1, stepTitle)
		for _, line := range step.Lines {
			if line.Text != "" {
				fmt.Fprintf(&b, "- %s\n", line.Text)
			}
		}
		if step.Media.Type == "image" && step.Media.Data.Standard != "" {
			// Markdown image so a frontend can render it inline.
			fmt.Fprintf(&b, "  ![Step %d image](%s)\n", idx+1, step.Media.Data.Standard)
		}
		b.WriteString("\n")
	}

	if len(decoded.Tools) > 0 {
		b.WriteString("**Tools Required:**\n")
		for _, t := range decoded.Tools {
			if t.Text != "" {
				fmt.Fprintf(&b, "- %s\n", t.Text)
			}
		}
	}

	return Result{Kind: KindGuideDetail, Outcome: OutcomeSuccess, Text: clamp(b.String())}
}

// statusError marks a non-200 upstream response; 404 is mapped to the
// NotFound outcome by callers.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("upstream status %d", e.code) }

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (c *IFixitClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling ifixit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding ifixit response: %w", err)
	}
	return nil
}

func errorResult(kind Kind, err error) Result {
	terr := NewToolError(kind.Name(), err.Error(), "EXECUTION_ERROR")
	return Result{Kind: kind, Outcome: OutcomeError, Text: terr.Error()}
}

func clamp(s string) string {
	if len(s) <= maxNormalizedLen {
		return s
	}
	return s[:maxNormalizedLen] + "\n[truncated]"
}
