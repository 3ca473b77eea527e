package controller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/offlinecache/internal/storage"
)

// hopHeaders are connection-scoped and never copied between legs.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// conditionalHeaders belong to the page's own HTTP cache. The controller
// needs a full body to store, so they never reach the origin.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Fetcher performs one bounded request against the origin and captures the
// full response.
type Fetcher interface {
	Fetch(ctx context.Context, method string, target *url.URL, header http.Header) (storage.Entry, error)
}

type originFetcher struct {
	client  httpDoer
	origin  *url.URL
	timeout time.Duration
}

// NewOriginFetcher resolves request paths against origin. Every call is
// bounded by timeout, body read included.
func NewOriginFetcher(client httpDoer, origin string, timeout time.Duration) (Fetcher, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("controller: origin invalid: %q", origin)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &originFetcher{client: client, origin: u, timeout: timeout}, nil
}

func (f *originFetcher) resolve(target *url.URL) *url.URL {
	out := *f.origin
	out.Path = strings.TrimRight(f.origin.Path, "/") + target.Path
	out.RawPath = ""
	out.RawQuery = target.RawQuery
	out.Fragment = ""
	return &out
}

func (f *originFetcher) Fetch(ctx context.Context, method string, target *url.URL, header http.Header) (storage.Entry, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	resolved := f.resolve(target)
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), nil)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("controller: fetch build %s: %w", resolved, err)
	}
	if header != nil {
		req.Header = cleanHeader(header)
		for _, name := range conditionalHeaders {
			req.Header.Del(name)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("controller: fetch %s: %w", resolved, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("controller: fetch read %s: %w", resolved, err)
	}
	return storage.Entry{
		URL:    resolved.String(),
		Status: resp.StatusCode,
		Header: cleanHeader(resp.Header),
		Body:   body,
		Type:   ResponseType(header),
	}, nil
}

func cleanHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// ResponseType derives the fetch response type from the page's request
// metadata: cross-site no-cors requests are opaque, cross-site cors requests
// are cors, everything else is basic.
func ResponseType(header http.Header) string {
	if header == nil {
		return storage.TypeBasic
	}
	if !strings.EqualFold(header.Get("Sec-Fetch-Site"), "cross-site") {
		return storage.TypeBasic
	}
	switch strings.ToLower(header.Get("Sec-Fetch-Mode")) {
	case "cors":
		return storage.TypeCORS
	case "no-cors":
		return storage.TypeOpaque
	default:
		return storage.TypeBasic
	}
}
