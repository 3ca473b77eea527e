// Package controller intercepts page requests and answers them from versioned
// cache generations or the origin, following a per-class strategy. It also
// owns the generation lifecycle, the sync trigger, and the push relay.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/l0p7/offlinecache/internal/clients"
	"github.com/l0p7/offlinecache/internal/config"
	"github.com/l0p7/offlinecache/internal/metrics"
	"github.com/l0p7/offlinecache/internal/storage"
	"github.com/l0p7/offlinecache/internal/syncqueue"
)

// HeaderSource tells the page which source produced a response.
const HeaderSource = "X-Offline-Cache"

// Response sources reported through HeaderSource.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceFallback    = "fallback"
	SourcePlaceholder = "placeholder"
	SourceShell       = "shell"
	SourceOffline     = "offline"
	SourcePassthrough = "passthrough"
)

var (
	// ErrNotInstalled is returned by Activate when no generation set was
	// installed yet.
	ErrNotInstalled = errors.New("controller: no installed generations")
	// ErrInvalidRequest marks enqueue input that failed validation.
	ErrInvalidRequest = errors.New("controller: invalid request")
)

// Notifier shows a notification to the user.
type Notifier interface {
	Notify(ctx context.Context, n clients.Notification) error
}

// Broadcaster posts a message to every open page.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg clients.Message) error
}

// Options wires the controller's collaborators. Storage and Fetcher are
// required; the rest degrade to no-ops when nil.
type Options struct {
	Config      config.ControllerConfig
	Origin      string
	SyncTag     string
	Storage     storage.Storage
	Fetcher     Fetcher
	Classifier  *Classifier
	Queue       syncqueue.Queue
	Replayer    syncqueue.Replayer
	Broadcaster Broadcaster
	Notifier    Notifier
	Metrics     *metrics.Recorder
	// Passthrough serves requests the controller does not intercept. When nil
	// a reverse proxy to Origin is used.
	Passthrough       http.Handler
	CorrelationHeader string
}

// generationSet is one installed version: open handles on its three
// generations plus the inventory it was installed from.
type generationSet struct {
	names       Generations
	static      storage.Generation
	images      storage.Generation
	data        storage.Generation
	assets      []string
	placeholder string
	shell       string
}

// Controller is the long-lived offline cache controller.
type Controller struct {
	logger            *slog.Logger
	storage           storage.Storage
	fetcher           Fetcher
	classifier        *Classifier
	queue             syncqueue.Queue
	replayer          syncqueue.Replayer
	broadcaster       Broadcaster
	notifier          Notifier
	metrics           *metrics.Recorder
	passthrough       http.Handler
	tasks             *taskGroup
	validate          *validator.Validate
	dispatcher        *Dispatcher
	syncTag           string
	notificationIcon  string
	correlationHeader string

	syncMu sync.Mutex

	mu          sync.RWMutex
	cfg         config.ControllerConfig
	state       State
	active      *generationSet
	waiting     *generationSet
	controlling bool
	installErr  error
}

// New builds a controller in the parsed state. Nothing is intercepted until
// Install and Activate complete.
func New(logger *slog.Logger, opts Options) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Storage == nil {
		return nil, errors.New("controller: storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("controller: fetcher required")
	}
	logger = logger.With(slog.String("agent", "controller"))

	classifier := opts.Classifier
	if classifier == nil {
		var err error
		if classifier, err = NewClassifier(opts.Config, nil, logger); err != nil {
			return nil, err
		}
	}

	passthrough := opts.Passthrough
	if passthrough == nil {
		proxy, err := newPassthroughProxy(opts.Origin, logger)
		if err != nil {
			return nil, err
		}
		passthrough = proxy
	}

	c := &Controller{
		logger:            logger,
		storage:           opts.Storage,
		fetcher:           opts.Fetcher,
		classifier:        classifier,
		queue:             opts.Queue,
		replayer:          opts.Replayer,
		broadcaster:       opts.Broadcaster,
		notifier:          opts.Notifier,
		metrics:           opts.Metrics,
		passthrough:       passthrough,
		tasks:             newTaskGroup(opts.Config.BackgroundLimit, opts.Config.BackgroundTimeoutDuration(), logger, opts.Metrics),
		validate:          validator.New(validator.WithRequiredStructEnabled()),
		syncTag:           opts.SyncTag,
		notificationIcon:  opts.Config.NotificationIcon,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		cfg:               opts.Config,
		state:             StateParsed,
	}
	c.dispatcher = c.newDispatcher()
	return c, nil
}

// Dispatcher exposes the event table bound to this controller.
func (c *Controller) Dispatcher() *Dispatcher { return c.dispatcher }

// Wait blocks until detached background tasks finish or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	return c.tasks.wait(ctx)
}

// StatusSnapshot reports lifecycle state for diagnostics.
type StatusSnapshot struct {
	State       State        `json:"state"`
	Controlling bool         `json:"controlling"`
	Active      *Generations `json:"active,omitempty"`
	Waiting     *Generations `json:"waiting,omitempty"`
	PendingSync int          `json:"pendingSync"`
	// InstallError is the most recent install or upgrade failure, cleared
	// by the next successful one.
	InstallError string `json:"installError,omitempty"`
}

func (c *Controller) Status(ctx context.Context) StatusSnapshot {
	c.mu.RLock()
	snap := StatusSnapshot{State: c.state, Controlling: c.controlling}
	if c.installErr != nil {
		snap.InstallError = c.installErr.Error()
	}
	if c.active != nil {
		names := c.active.names
		snap.Active = &names
	}
	if c.waiting != nil {
		names := c.waiting.names
		snap.Waiting = &names
	}
	c.mu.RUnlock()

	if c.queue != nil {
		items, err := c.queue.List(ctx)
		if err != nil {
			c.logger.Warn("sync queue list failed", slog.Any("error", err))
		}
		snap.PendingSync = len(items)
	}
	return snap
}

// Ready reports whether the controller is activated and intercepting.
func (c *Controller) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateActivated && c.controlling
}

func (c *Controller) current() (*generationSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.controlling && c.active != nil
}

func newPassthroughProxy(origin string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("controller: origin invalid: %q", origin)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			markSource(resp.Header, SourcePassthrough)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("passthrough failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
			markSource(w.Header(), SourcePassthrough)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

func markSource(h http.Header, source string) {
	h.Set(HeaderSource, source)
	h.Add("Access-Control-Expose-Headers", HeaderSource)
}
