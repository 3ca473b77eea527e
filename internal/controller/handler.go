package controller

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServeHTTP intercepts a page request through the fetch event.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := c.dispatcher.Dispatch(r.Context(), Event{Type: EventFetch, Request: r, Writer: w}); err != nil {
		c.logger.Error("fetch dispatch failed", slog.Any("error", err))
		http.Error(w, "fetch dispatch failed", http.StatusInternalServerError)
	}
}

func (c *Controller) handleFetch(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	set, controlling := c.current()
	if !controlling || r.Method != http.MethodGet {
		c.passthrough.ServeHTTP(w, r)
		c.metrics.ObserveFetch(string(ClassPassthrough), SourcePassthrough, time.Since(start))
		return
	}

	class := c.classifier.Classify(r)
	var out outcome
	switch class {
	case ClassData:
		out = c.serveData(ctx, r, set)
	case ClassImage:
		out = c.serveImage(ctx, r, set)
	case ClassStatic:
		out = c.serveStatic(ctx, r, set)
	default:
		c.passthrough.ServeHTTP(w, r)
		c.metrics.ObserveFetch(string(ClassPassthrough), SourcePassthrough, time.Since(start))
		return
	}

	writeOutcome(w, out)
	// Deferred work starts only once the response is written.
	c.tasks.spawn(ctx, out.deferred...)

	c.metrics.ObserveFetch(string(class), out.source, time.Since(start))
	c.logger.Debug("fetch handled",
		slog.String("request_id", c.requestID(r)),
		slog.String("class", string(class)),
		slog.String("source", out.source),
		slog.String("path", r.URL.Path),
		slog.Int("status", out.entry.Status),
	)
}

func writeOutcome(w http.ResponseWriter, out outcome) {
	h := w.Header()
	for name, values := range out.entry.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	markSource(h, out.source)
	h.Set("Content-Length", strconv.Itoa(len(out.entry.Body)))
	status := out.entry.Status
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(out.entry.Body)
}

func (c *Controller) requestID(r *http.Request) string {
	if c.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(c.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}
