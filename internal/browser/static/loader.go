package static

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// maxPageBytes bounds how much of a response body is parsed.
const maxPageBytes = 8 << 20

// Loader returns the HTML source of a URL.
type Loader func(ctx context.Context, rawURL string) (string, error)

// MapLoader serves pages from memory. A URL's fragment is ignored when the
// exact URL has no entry.
func MapLoader(pages map[string]string) Loader {
	return func(_ context.Context, rawURL string) (string, error) {
		if src, ok := pages[rawURL]; ok {
			return src, nil
		}
		if i := strings.IndexByte(rawURL, '#'); i >= 0 {
			if src, ok := pages[rawURL[:i]]; ok {
				return src, nil
			}
		}
		return "", fmt.Errorf("no page registered for %s", rawURL)
	}
}

// HTTPLoader fetches http(s) URLs with client and reads file URLs from disk.
func HTTPLoader(client *http.Client) Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, rawURL string) (string, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
		}
		switch u.Scheme {
		case "file":
			path := u.Path
			if u.Host != "" && u.Host != "localhost" {
				path = u.Host + u.Path
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(b), nil
		case "http", "https":
		default:
			return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
