package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/usersync/pkg/api"
	"github.com/astromechza/usersync/pkg/config"
	"github.com/astromechza/usersync/pkg/engine"
	"github.com/astromechza/usersync/pkg/images"
	"github.com/astromechza/usersync/pkg/loop"
	"github.com/astromechza/usersync/pkg/remote"
	"github.com/astromechza/usersync/pkg/store"
	"github.com/astromechza/usersync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("Opening store", "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	baseURL, err := cfg.BaseURL()
	if err != nil {
		return fmt.Errorf("failed to parse remote url: %w", err)
	}
	source, err := remote.NewHTTPSource(baseURL.String(), &http.Client{})
	if err != nil {
		return err
	}
	source.IDCursor = cfg.Remote.IDCursor
	resolver := images.NewResolver(source, images.WithTimeout(time.Duration(cfg.Remote.ImageTimeout)))

	l := loop.New(256)
	e, err := engine.New(engine.Options{
		Source:       source,
		Store:        st,
		Resolver:     resolver,
		Dispatcher:   l,
		PageSize:     cfg.PageSize,
		FetchTimeout: time.Duration(cfg.Remote.FetchTimeout),
		StoreTimeout: time.Duration(cfg.Store.Timeout),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, loop.ErrClosed) {
			slog.Error("loop stopped", "err", err)
		}
	}()

	// a failed restore leaves an empty list; the remote fills it
	_ = l.Call(ctx, func() { _ = e.Restore(ctx) })

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewRouter(l, e),
		// event feeds outlive Shutdown, so they end with ctx instead
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	var history []engine.Transition
	_ = l.Call(shutdownCtx, func() {
		history = e.History()
		e.Close()
	})
	cancel()
	l.Close()
	wg.Wait()

	if cfg.VizOnExit && len(history) > 0 {
		if svgPath, err := viz.RenderToTemp(history); err != nil {
			slog.Error("failed to render", "err", err)
		} else {
			slog.Info("rendered", "path", "file://"+svgPath)
		}
	}
	return nil
}
