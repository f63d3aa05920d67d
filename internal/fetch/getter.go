// Package fetch downloads the syllabus catalog and course pages for offline
// corpus builds.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html/charset"
)

const userAgent = "syllabus-fetch/1.0"

// Getter retrieves a page as UTF-8 HTML.
type Getter interface {
	Get(ctx context.Context, url string) (string, error)
}

// HTTPGetter fetches pages with plain GET requests. Bodies are decoded to
// UTF-8 from the charset declared in the Content-Type header or the page's
// meta tag, so Shift_JIS pages are stored as UTF-8.
type HTTPGetter struct {
	client *http.Client
}

// NewHTTPGetter creates a getter with the given per-request timeout.
func NewHTTPGetter(timeout time.Duration) *HTTPGetter {
	return &HTTPGetter{client: &http.Client{Timeout: timeout}}
}

// Get fetches url.
func (g *HTTPGetter) Get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("failed to detect charset of %s: %w", url, err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(data), nil
}

// BrowserGetter renders pages in headless Chrome through chromedp. One
// browser is shared and every Get opens its own tab, so it is safe for
// concurrent use.
type BrowserGetter struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	timeout    time.Duration
}

// NewBrowserGetter starts a headless browser that lives until Close.
func NewBrowserGetter(ctx context.Context, timeout time.Duration) (*BrowserGetter, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(userAgent))
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// Start the browser now so launch errors surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &BrowserGetter{
		browserCtx: browserCtx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
		timeout: timeout,
	}, nil
}

// Get navigates a new tab to url and returns the rendered document.
func (g *BrowserGetter) Get(ctx context.Context, url string) (string, error) {
	tabCtx, cancel := chromedp.NewContext(g.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if g.timeout > 0 {
		var cancelTimeout context.CancelFunc
		tabCtx, cancelTimeout = context.WithTimeout(tabCtx, g.timeout)
		defer cancelTimeout()
	}

	var out string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "ja"}),
		chromedp.Navigate(url),
		chromedp.OuterHTML("html", &out, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to render %s: %w", url, err)
	}
	return out, nil
}

// Close shuts the browser down.
func (g *BrowserGetter) Close() {
	g.cancel()
}

var (
	_ Getter = (*HTTPGetter)(nil)
	_ Getter = (*BrowserGetter)(nil)
)
