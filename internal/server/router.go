package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/offlinecache/internal/controller"
	"github.com/l0p7/offlinecache/internal/syncqueue"
)

// ControlPrefix roots the routes the controller never intercepts.
const ControlPrefix = "/_offline/"

const maxControlBody = 1 << 20

// ControllerHTTP is the controller surface the router exposes.
type ControllerHTTP interface {
	http.Handler
	Dispatcher() *controller.Dispatcher
	Enqueue(ctx context.Context, req controller.EnqueueRequest) (syncqueue.Item, error)
	Pending(ctx context.Context) ([]syncqueue.Item, error)
	Status(ctx context.Context) controller.StatusSnapshot
	Ready() bool
}

// RouterOptions wires the router. Clients and Metrics are optional and
// answer 404 when nil.
type RouterOptions struct {
	Controller ControllerHTTP
	Clients    http.Handler
	Metrics    http.Handler
	Logger     *slog.Logger
}

type router struct {
	ctrl    ControllerHTTP
	clients http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// NewRouter owns URL dispatch: control routes, health, and metrics are served
// here; everything else is intercepted by the controller.
func NewRouter(opts RouterOptions) http.Handler {
	if opts.Controller == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "controller unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		ctrl:    opts.Controller,
		clients: opts.Clients,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("agent", "router")),
	}
}

func (rt *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz":
		rt.serveHealth(w, r)
	case r.URL.Path == "/metrics":
		serveOptional(w, r, rt.metrics)
	case strings.HasPrefix(r.URL.Path, ControlPrefix):
		rt.serveControl(w, r, strings.Trim(strings.TrimPrefix(r.URL.Path, ControlPrefix), "/"))
	default:
		rt.ctrl.ServeHTTP(w, r)
	}
}

func (rt *router) serveControl(w http.ResponseWriter, r *http.Request, route string) {
	switch route {
	case "clients":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		serveOptional(w, r, rt.clients)
	case "sync":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		rt.serveSync(w, r)
	case "push":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		rt.servePush(w, r)
	case "queue":
		switch r.Method {
		case http.MethodGet:
			rt.serveQueueList(w, r)
		case http.MethodPost:
			rt.serveEnqueue(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			rt.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "status":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		rt.writeJSON(w, http.StatusOK, rt.ctrl.Status(r.Context()))
	default:
		rt.writeError(w, http.StatusNotFound, "route not found")
	}
}

func (rt *router) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := rt.ctrl.Status(r.Context())
	code := http.StatusOK
	health := "ok"
	if !rt.ctrl.Ready() {
		code = http.StatusServiceUnavailable
		health = "unavailable"
	}
	rt.writeJSON(w, code, map[string]any{
		"status": health,
		"state":  status.State,
	})
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (rt *router) serveSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		rt.writeError(w, http.StatusBadRequest, "invalid sync request")
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		rt.writeError(w, http.StatusBadRequest, "sync tag required")
		return
	}
	if err := rt.ctrl.Dispatcher().Dispatch(r.Context(), controller.Event{Type: controller.EventSync, Tag: req.Tag}); err != nil {
		rt.logger.Error("sync dispatch failed", slog.String("tag", req.Tag), slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	rt.writeJSON(w, http.StatusAccepted, map[string]string{"tag": req.Tag})
}

func (rt *router) servePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		rt.writeError(w, http.StatusRequestEntityTooLarge, "push payload too large")
		return
	}
	if err := rt.ctrl.Dispatcher().Dispatch(r.Context(), controller.Event{Type: controller.EventPush, Payload: payload}); err != nil {
		rt.logger.Error("push dispatch failed", slog.Any("error", err))
		rt.writeError(w, http.StatusBadGateway, "notification delivery failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *router) serveEnqueue(w http.ResponseWriter, r *http.Request) {
	var req controller.EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(&req); err != nil {
		rt.writeError(w, http.StatusBadRequest, "invalid queue request")
		return
	}
	item, err := rt.ctrl.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, controller.ErrInvalidRequest):
		rt.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		rt.logger.Error("enqueue failed", slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	rt.writeJSON(w, http.StatusCreated, item)
}

func (rt *router) serveQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := rt.ctrl.Pending(r.Context())
	if err != nil {
		rt.logger.Error("queue list failed", slog.Any("error", err))
		rt.writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	if items == nil {
		items = []syncqueue.Item{}
	}
	rt.writeJSON(w, http.StatusOK, items)
}

func (rt *router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (rt *router) writeError(w http.ResponseWriter, status int, message string) {
	rt.writeJSON(w, status, map[string]string{"error": message})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = w.Write([]byte(`{"error":"method not allowed"}` + "\n"))
	return false
}

func serveOptional(w http.ResponseWriter, r *http.Request, h http.Handler) {
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}
