package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRequester is the default Requester, backed by net/http, kept behind
// the Requester interface so tests and alternative runtimes can swap in a
// fake without touching ConfigBuilder itself.
type HTTPRequester struct {
	Client *http.Client
}

// NewHTTPRequester returns an HTTPRequester with a 15s-timeout client.
func NewHTTPRequester() *HTTPRequester {
	return &HTTPRequester{Client: &http.Client{Timeout: 15 * time.Second}}
}

func setCommonHeaders(req *http.Request, cookies map[string]string) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Referer", "https://live.bilibili.com/")
	req.Header.Set("Origin", "https://live.bilibili.com")
	if len(cookies) == 0 {
		return
	}
	pairs := make([]string, 0, len(cookies))
	for k, v := range cookies {
		pairs = append(pairs, k+"="+v)
	}
	req.Header.Set("Cookie", strings.Join(pairs, "; "))
}

func (h *HTTPRequester) do(ctx context.Context, rawURL string, params, cookies map[string]string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	setCommonHeaders(req, cookies)

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", u.String(), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", u.String(), err)
	}
	return body, nil
}

// GetJSON implements Requester.
func (h *HTTPRequester) GetJSON(ctx context.Context, rawURL string, out any) error {
	body, err := h.do(ctx, rawURL, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse JSON from %s: %w", rawURL, err)
	}
	return nil
}

// GetJSONWith implements Requester.
func (h *HTTPRequester) GetJSONWith(ctx context.Context, rawURL string, params, cookies map[string]string, out any) error {
	body, err := h.do(ctx, rawURL, params, cookies)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse JSON from %s: %w", rawURL, err)
	}
	return nil
}

// GetCookie implements Requester: it performs a GET request and returns
// the named cookie from the response's Set-Cookie headers.
func (h *HTTPRequester) GetCookie(ctx context.Context, rawURL, cookieName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	setCommonHeaders(req, nil)

	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("cookie %q not found in response from %s", cookieName, rawURL)
}
