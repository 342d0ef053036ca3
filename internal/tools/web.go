package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// webFetchTimeout bounds one fetch.
	webFetchTimeout = 15 * time.Second

	// webFetchMaxBody caps the downloaded body (10MB).
	webFetchMaxBody = 10 * 1024 * 1024

	// webFetchMaxChars caps the extracted text returned to the model.
	webFetchMaxChars = 10_000
)

// WebFetchTool fetches a URL and extracts readable text. Requests to
// loopback, link-local, and private addresses are refused.
type WebFetchTool struct {
	client        *http.Client
	maxChars      int
	skipSSRFCheck bool // tests only
}

// WebFetchOption configures a WebFetchTool.
type WebFetchOption func(*WebFetchTool)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebFetchOption {
	return func(t *WebFetchTool) {
		if client != nil {
			t.client = client
		}
	}
}

// AllowPrivateHosts disables the SSRF guard so tests can hit httptest
// servers on loopback.
func AllowPrivateHosts() WebFetchOption {
	return func(t *WebFetchTool) { t.skipSSRFCheck = true }
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool(opts ...WebFetchOption) *WebFetchTool {
	t := &WebFetchTool{
		client:   &http.Client{Timeout: webFetchTimeout},
		maxChars: webFetchMaxChars,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its readable text content."
}

func (t *WebFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "URL to fetch (http/https only)."},
			"max_chars": {"type": "integer", "minimum": 0, "description": "Maximum characters to return."}
		},
		"required": ["url"]
	}`)
}

func (t *WebFetchTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	rawURL := strings.TrimSpace(input.URL)
	if rawURL == "" {
		return &models.ToolResult{OK: false, Err: "url is required"}, nil
	}
	if !t.skipSSRFCheck {
		if err := ValidateOutboundURL(rawURL); err != nil {
			return &models.ToolResult{OK: false, Err: err.Error()}, nil
		}
	}

	content, title, err := t.fetch(ctx, rawURL)
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("fetch failed: %v", err)}, nil
	}

	limit := t.maxChars
	if input.MaxChars > 0 && input.MaxChars < limit {
		limit = input.MaxChars
	}
	truncated := false
	if len(content) > limit {
		content = content[:limit] + "..."
		truncated = true
	}

	result := map[string]any{
		"url":     rawURL,
		"title":   title,
		"content": content,
	}
	if truncated {
		result["truncated"] = true
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("encode result: %v", err)}, nil
	}
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL string) (content, title string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; osa/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBody))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	if strings.Contains(contentType, "text/plain") {
		return string(body), "", nil
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		// Readability gave nothing useful; return the raw body so the
		// model still sees something.
		return string(body), "", nil
	}
	return strings.TrimSpace(article.TextContent), article.Title, nil
}

// ValidateOutboundURL rejects URLs that point at loopback, link-local,
// private, or otherwise reserved addresses. Shared by web_fetch and
// scheduler webhook jobs.
func ValidateOutboundURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL points at a private or reserved address")
		}
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable here may still resolve through a proxy.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL resolves to a private or reserved address")
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// Cloud metadata endpoint.
	return ip.Equal(net.ParseIP("169.254.169.254"))
}
