package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
)

// RetrieveName is the tool name of the page retrieval tool.
const RetrieveName = "retrieve"

const defaultRetrieveLimit = 50 * 1024

// RetrieveArgs are the arguments of the retrieve tool.
type RetrieveArgs struct {
	URL string `json:"url"`
}

// RetrieveResponse is the tool result.
type RetrieveResponse struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Retriever fetches a page and returns its readable text.
type Retriever struct {
	limit      int
	httpClient *http.Client
}

// ErrBlockedAddress is returned when a page resolves to an address the
// retriever may not connect to.
var ErrBlockedAddress = errors.New("address not allowed")

// NewRetriever creates a Retriever returning at most limit bytes of text.
// It only connects to public addresses: loopback, private, link-local and
// unspecified addresses are refused after name resolution, redirects
// included.
func NewRetriever(limit int) *Retriever {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: publicOnly,
	}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return NewRetrieverWithClient(limit, &http.Client{Timeout: 30 * time.Second, Transport: transport})
}

// NewRetrieverWithClient creates a Retriever that fetches through hc as is.
func NewRetrieverWithClient(limit int, hc *http.Client) *Retriever {
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	return &Retriever{limit: limit, httpClient: hc}
}

// publicOnly is a net.Dialer Control hook; address is the resolved ip:port.
func publicOnly(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast())
}

// Definition describes the retrieve tool.
func (r *Retriever) Definition() Definition {
	return Definition{
		Name:        RetrieveName,
		Description: "Fetch the content of a web page by URL.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string", "description": "The http(s) URL to fetch"},
			},
			"required": []string{"url"},
		},
	}
}

// Execute implements ExecutorFunc.
func (r *Retriever) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args RetrieveArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid retrieve arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", args.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s returned status %d", args.URL, resp.StatusCode)
	}

	// Read a bit more than the limit so truncation can be reported.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(r.limit)*4))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args.URL, err)
	}

	out := RetrieveResponse{URL: args.URL}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		out.Title, out.Content = extractText(string(body))
	} else {
		out.Content = string(body)
	}
	if len(out.Content) > r.limit {
		out.Content = truncateUTF8(out.Content, r.limit)
		out.Truncated = true
	}
	return json.Marshal(out)
}

// extractText returns the title and the visible text of an HTML document.
func extractText(doc string) (string, string) {
	z := html.NewTokenizer(strings.NewReader(doc))
	var title string
	var b strings.Builder
	skip := 0
	inTitle := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return title, strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "svg":
				skip++
			case "title":
				inTitle = true
			case "p", "br", "div", "li", "h1", "h2", "h3", "h4", "tr":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript", "svg":
				if skip > 0 {
					skip--
				}
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if inTitle {
				title = text
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
