package syncqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/l0p7/offlinecache/internal/templates"
)

// ReplayTarget is the data available to the replay URL template.
type ReplayTarget struct {
	Origin    string
	Action    string
	ID        string
	Timestamp time.Time
}

// HTTPReplayer POSTs an item's payload to a templated origin URL.
type HTTPReplayer struct {
	client *http.Client
	url    *templates.Template
	origin string
}

// NewHTTPReplayer compiles urlTemplate with renderer. timeout bounds each
// replay request.
func NewHTTPReplayer(renderer *templates.Renderer, urlTemplate, origin string, timeout time.Duration) (*HTTPReplayer, error) {
	tmpl, err := renderer.Compile("replay-url", urlTemplate)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: replay url: %w", err)
	}
	return &HTTPReplayer{
		client: &http.Client{Timeout: timeout},
		url:    tmpl,
		origin: origin,
	}, nil
}

// URL renders the replay target for item.
func (r *HTTPReplayer) URL(item Item) (string, error) {
	return r.url.Render(ReplayTarget{
		Origin:    r.origin,
		Action:    item.Action,
		ID:        item.ID,
		Timestamp: item.Timestamp,
	})
}

func (r *HTTPReplayer) Replay(ctx context.Context, item Item) error {
	target, err := r.URL(item)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("syncqueue: replay request %s: %w", item.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Item-ID", item.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("syncqueue: replay %s: %w", item.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("syncqueue: replay %s: origin returned %d", item.ID, resp.StatusCode)
	}
	return nil
}
