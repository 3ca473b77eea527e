package controller

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/expr"
)

// Class selects the strategy an intercepted request runs through.
type Class string

const (
	ClassPassthrough Class = "passthrough"
	ClassData        Class = "data"
	ClassImage       Class = "image"
	ClassStatic      Class = "static"
)

type route struct {
	program expr.Program
	class   Class
}

// Classifier maps a request to exactly one Class.
type Classifier struct {
	apiPrefix   string
	imageAssets []string
	routes      []route
	logger      *slog.Logger
}

// NewClassifier compiles the configured routes. env may be nil when no routes
// are configured.
func NewClassifier(cfg config.ControllerConfig, env *expr.Environment, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		apiPrefix:   cfg.APIPrefix,
		imageAssets: append([]string(nil), cfg.ImageAssets...),
		logger:      logger.With(slog.String("agent", "classifier")),
	}
	if len(cfg.Routes) > 0 && env == nil {
		return nil, fmt.Errorf("controller: routes configured without an expression environment")
	}
	for i, rc := range cfg.Routes {
		program, err := env.Compile(rc.Match)
		if err != nil {
			return nil, fmt.Errorf("controller: routes[%d]: %w", i, err)
		}
		c.routes = append(c.routes, route{
			program: program,
			class:   Class(strings.ToLower(strings.TrimSpace(rc.Strategy))),
		})
	}
	return c, nil
}

// Classify applies, in order: method filter, custom routes, API prefix, image
// detection, static default.
func (c *Classifier) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return ClassPassthrough
	}
	if len(c.routes) > 0 {
		activation := expr.RequestActivation(r)
		for _, rt := range c.routes {
			matched, err := rt.program.EvalBool(activation)
			if err != nil {
				c.logger.Warn("route evaluation failed", slog.String("match", rt.program.Source()), slog.Any("error", err))
				continue
			}
			if matched {
				return rt.class
			}
		}
	}
	if strings.HasPrefix(r.URL.Path, c.apiPrefix) {
		return ClassData
	}
	if c.isImage(r) {
		return ClassImage
	}
	return ClassStatic
}

// isImage matches the image destination hint or any enumerated asset appearing
// in the URL.
func (c *Classifier) isImage(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	u := r.URL.String()
	for _, asset := range c.imageAssets {
		if strings.Contains(u, asset) {
			return true
		}
	}
	return false
}
