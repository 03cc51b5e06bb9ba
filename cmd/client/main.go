package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/usersync/pkg/api"
	"github.com/astromechza/usersync/pkg/engine"
	"github.com/astromechza/usersync/pkg/feed"
	"github.com/astromechza/usersync/pkg/remote"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	filterVar := flag.String("filter", "", "only show users whose login contains this")
	retryVar := flag.Duration("retry", 2*time.Second, "delay before retrying after a network failure")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	c := &client{baseUrl: baseUrl, term: *filterVar, retry: *retryVar}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	return nil
}

type client struct {
	baseUrl *url.URL
	term    string
	retry   time.Duration
	printed int
}

// runContinuously reconnects after the feed drops, starting from a fresh
// snapshot each time.
func (c *client) runContinuously(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := c.run(ctx); err != nil {
			slog.Error("feed failed", "err", err)
		}
		c.printed = 0
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping feed")
			return
		}
	}
}

func (c *client) run(ctx context.Context) error {
	u := c.baseUrl.JoinPath("events")
	u.Scheme = "ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var wmu sync.Mutex
	send := func(cmd feed.Command) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(cmd)
	}

	if c.term != "" {
		if err := send(feed.Command{Op: feed.OpFilter, Term: c.term}); err != nil {
			return fmt.Errorf("failed to send filter: %w", err)
		}
	}

	for {
		var m feed.Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read: %w", err)
		}
		slog.Debug("event", "kind", m.Kind, "count", m.Count, "loading_row", m.LoadingRow)

		switch m.Kind {
		case engine.ListChanged:
			if err := c.printRows(ctx); err != nil {
				return err
			}
		case engine.RowsUpdated:
			slog.Info("rows updated", "indices", m.Indices, "filtered", m.Filtered)
		case engine.ImageReady:
			slog.Info("image ready", "indices", m.Indices, "filtered", m.Filtered)
		case engine.NoMoreData:
			fmt.Println("-- end of users --")
		case engine.LoadFailed:
			fmt.Println("!! " + m.Text)
			if m.Failure != remote.Decoding.String() {
				time.AfterFunc(c.retry, func() {
					_ = send(feed.Command{Op: feed.OpLoadMore})
				})
			}
			continue
		case engine.StoreFailed:
			slog.Warn("server failed to persist", "err", m.Text)
		}

		// the loading row is on screen, so ask for the next page
		if m.LoadingRow && m.Kind == engine.ListChanged {
			if err := send(feed.Command{Op: feed.OpLoadMore}); err != nil {
				return fmt.Errorf("failed to send load more: %w", err)
			}
		}
	}
}

// printRows prints rows not yet shown, or the whole view when it shrank.
func (c *client) printRows(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseUrl.JoinPath("rows").String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get rows: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var rows api.Rows
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("failed to decode rows: %w", err)
	}

	if rows.Count < c.printed || rows.Filtering {
		fmt.Printf("== %d users (filter %q) ==\n", rows.Count, rows.Term)
		c.printed = 0
	}
	for _, r := range rows.Rows[c.printed:] {
		line := fmt.Sprintf("%5d  %-24s %s", r.ID, r.Login, r.AvatarURL)
		if r.Notes != nil {
			line += "  # " + *r.Notes
		}
		fmt.Println(line)
	}
	c.printed = len(rows.Rows)
	if rows.LoadingRow {
		fmt.Println("   ...  loading")
	}
	return nil
}
