// Package feed streams engine events to a presentation client over a
// websocket and applies the commands it sends back.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/usersync/pkg/engine"
)

// Caller runs fn on the engine's consumer context; see loop.Loop.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Message is sent to the client for every engine event. Count and
// LoadingRow describe the view right after the event.
type Message struct {
	Kind       engine.EventKind `json:"kind"`
	Indices    []int            `json:"indices,omitempty"`
	Filtered   bool             `json:"filtered,omitempty"`
	Failure    string           `json:"failure,omitempty"`
	Text       string           `json:"text,omitempty"`
	Count      int              `json:"count"`
	LoadingRow bool             `json:"loading_row"`
}

const (
	OpLoadMore = "load_more"
	OpFilter   = "filter"
	OpImage    = "image"
)

// Command is sent by the client.
type Command struct {
	Op    string `json:"op"`
	Term  string `json:"term,omitempty"`
	Index int    `json:"index,omitempty"`
}

var ErrLagging = errors.New("client is not keeping up with events")

const (
	outboxSize   = 64
	pingInterval = 30 * time.Second
)

func messageFor(ev engine.Event, e *engine.Engine) Message {
	m := Message{
		Kind:       ev.Kind,
		Indices:    ev.Indices,
		Filtered:   ev.Filtered,
		Count:      e.Count(),
		LoadingRow: e.LoadingRowVisible(),
	}
	switch ev.Kind {
	case engine.LoadFailed:
		m.Failure = ev.Failure.String()
		m.Text = engine.FailureMessage(ev.Failure)
	case engine.ImageFailed:
		m.Failure = ev.Failure.String()
	case engine.StoreFailed:
		if ev.Err != nil {
			m.Text = ev.Err.Error()
		}
	}
	return m
}

func apply(e *engine.Engine, cmd Command) error {
	switch cmd.Op {
	case OpLoadMore:
		e.LoadMore()
	case OpFilter:
		e.SetFilter(cmd.Term)
	case OpImage:
		if cmd.Index < 0 || cmd.Index >= e.Count() {
			return fmt.Errorf("image index %d out of range", cmd.Index)
		}
		e.RequestImage(cmd.Index)
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
	return nil
}

// Serve runs one websocket session until the client goes away or ctx ends.
// The first message is a list_changed snapshot of the current view.
func Serve(ctx context.Context, conn *websocket.Conn, c Caller, e *engine.Engine) error {
	session := uuid.NewString()
	log := slog.With("session", session)
	log.Info("feed connected", "remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	outbox := make(chan Message, outboxSize)
	var unsubscribe func()
	defer func() {
		// queued behind the subscribe task, so it sees whatever that task did
		uctx, ucancel := context.WithTimeout(context.Background(), time.Second)
		defer ucancel()
		_ = c.Call(uctx, func() {
			if unsubscribe != nil {
				unsubscribe()
			}
		})
	}()
	if err := c.Call(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		outbox <- messageFor(engine.Event{Kind: engine.ListChanged}, e)
		unsubscribe = e.Subscribe(func(ev engine.Event) {
			select {
			case outbox <- messageFor(ev, e):
			default:
				cancel(ErrLagging)
			}
		})
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		// a lagging client may have the writer stuck on a full socket
		if errors.Is(context.Cause(ctx), ErrLagging) {
			_ = conn.Close()
		}
	}()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel(nil)
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error("failed to read command", "err", err)
				}
				return
			}
			var applyErr error
			if err := c.Call(ctx, func() { applyErr = apply(e, cmd) }); err != nil {
				return
			}
			if applyErr != nil {
				log.Warn("rejected command", "op", cmd.Op, "err", applyErr)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()

		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case m := <-outbox:
				if err := conn.WriteJSON(m); err != nil {
					log.Error("failed to write message", "err", err)
					cancel(nil)
					return
				}
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					log.Error("failed to ping", "err", err)
					cancel(nil)
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
		}
	}()

	wg.Wait()
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("feed disconnected")
	return nil
}
