// Package storage keeps named cache generations: versioned key-value stores of
// captured HTTP responses keyed by normalized request identity.
package storage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Response types mirror the fetch response taxonomy the controller relies on
// when deciding whether a network response may be cached.
const (
	TypeBasic  = "basic"
	TypeCORS   = "cors"
	TypeOpaque = "opaque"
)

var (
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("storage: closed")
	// ErrUnsupportedBackend reports a backend name no constructor exists for.
	ErrUnsupportedBackend = errors.New("storage: unsupported backend")
	// ErrGenerationDeleted is returned by Put on a handle whose generation
	// was deleted after it was opened. Nothing is written.
	ErrGenerationDeleted = errors.New("storage: generation deleted")
)

// Entry is a captured response.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	Type     string      `json:"type"`
	StoredAt time.Time   `json:"storedAt"`
}

// OK reports whether the status is in the 2xx range.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Clone returns a deep copy so callers never share header maps or body slices
// with a backend.
func (e Entry) Clone() Entry {
	out := e
	if e.Header != nil {
		out.Header = e.Header.Clone()
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Generation is a single named store.
type Generation interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage owns every generation. Open creates a generation when it does not
// exist yet.
type Storage interface {
	Open(ctx context.Context, name string) (Generation, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

// RequestKey normalizes a request identity to "METHOD path[?query]". Fragments
// never reach the key and the path is cleaned so "/a/../b" and "/b" collide.
func RequestKey(method string, u *url.URL) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	p := "/"
	query := ""
	if u != nil {
		if u.Path != "" {
			p = path.Clean("/" + u.Path)
			if strings.HasSuffix(u.Path, "/") && p != "/" {
				p += "/"
			}
		}
		query = u.RawQuery
	}
	if query != "" {
		return method + " " + p + "?" + query
	}
	return method + " " + p
}

// PathKey is RequestKey for a GET of a bare path, used for pre-seeded assets.
func PathKey(rawPath string) string {
	u, err := url.Parse(rawPath)
	if err != nil {
		return RequestKey(http.MethodGet, &url.URL{Path: rawPath})
	}
	return RequestKey(http.MethodGet, u)
}
