package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrUnknownEvent is returned by Dispatch for an event type with no handler.
var ErrUnknownEvent = errors.New("controller: unknown event")

// EventType names a lifecycle or runtime event.
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
	EventSync     EventType = "sync"
	EventPush     EventType = "push"
)

// Event carries everything a handler needs. Only the fields relevant to Type
// are set: Request and Writer for fetch, Tag for sync, Payload for push.
type Event struct {
	Type    EventType
	Request *http.Request
	Writer  http.ResponseWriter
	Tag     string
	Payload []byte
}

// HandlerFunc handles one event and returns once the event's work is done.
type HandlerFunc func(ctx context.Context, ev Event) error

// Dispatcher routes events through an explicit table.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType]HandlerFunc)}
}

// Register binds h to t, replacing any previous handler.
func (d *Dispatcher) Register(t EventType, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Dispatch runs the handler for ev.Type and waits for it to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	h, ok := d.handlers[ev.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return h(ctx, ev)
}

func (c *Controller) newDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Register(EventInstall, func(ctx context.Context, _ Event) error {
		if err := c.Install(ctx); err != nil {
			return err
		}
		c.mu.RLock()
		skip := c.cfg.SkipWaiting
		c.mu.RUnlock()
		if !skip {
			return nil
		}
		return c.Activate(ctx)
	})
	d.Register(EventActivate, func(ctx context.Context, _ Event) error {
		return c.Activate(ctx)
	})
	d.Register(EventFetch, func(ctx context.Context, ev Event) error {
		if ev.Request == nil || ev.Writer == nil {
			return errors.New("controller: fetch event requires a request and writer")
		}
		c.handleFetch(ctx, ev.Writer, ev.Request)
		return nil
	})
	d.Register(EventSync, func(ctx context.Context, ev Event) error {
		_, err := c.Sync(ctx, ev.Tag)
		return err
	})
	d.Register(EventPush, func(ctx context.Context, ev Event) error {
		return c.Push(ctx, ev.Payload)
	})
	return d
}
