// Package images resolves avatar references to image bytes. Concurrent
// requests for the same reference share a single fetch.
package images

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/usersync/pkg/remote"
)

// Fetcher downloads the image behind a reference.
type Fetcher interface {
	FetchImage(ctx context.Context, ref string) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, ref string) ([]byte, error)

func (f FetcherFunc) FetchImage(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// Result is delivered to every requester attached to the same fetch.
type Result struct {
	Ref    string
	Image  []byte
	Err    error
	Shared bool
}

var ErrEmptyReference = errors.New("empty image reference")

type Option func(*Resolver)

// WithTimeout bounds each underlying fetch. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

type Resolver struct {
	fetcher  Fetcher
	group    singleflight.Group
	timeout  time.Duration
	logger   *slog.Logger
	inflight atomic.Int64
}

func NewResolver(f Fetcher, opts ...Option) *Resolver {
	r := &Resolver{fetcher: f, timeout: 30 * time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve starts or joins the fetch for ref. The returned channel receives
// exactly one Result. Failures are not remembered: once a fetch completes a
// new Resolve for the same ref fetches again.
//
// The fetch is shared, so it is detached from ctx cancellation; ctx only
// carries values.
func (r *Resolver) Resolve(ctx context.Context, ref string) <-chan Result {
	out := make(chan Result, 1)
	if ref == "" {
		out <- Result{Ref: ref, Err: remote.DecodingError(ErrEmptyReference)}
		return out
	}

	ch := r.group.DoChan(ref, func() (interface{}, error) {
		r.inflight.Add(1)
		defer r.inflight.Add(-1)

		fctx := context.WithoutCancel(ctx)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, r.timeout)
			defer cancel()
		}
		start := time.Now()
		img, err := r.fetcher.FetchImage(fctx, ref)
		if err != nil {
			r.logger.Warn("failed to fetch image", "ref", ref, "kind", remote.Classify(err), "err", err)
			return nil, err
		}
		r.logger.Debug("fetched image", "ref", ref, "bytes", len(img), "duration", time.Since(start))
		return img, nil
	})

	go func() {
		res := <-ch
		img, _ := res.Val.([]byte)
		out <- Result{Ref: ref, Image: img, Err: res.Err, Shared: res.Shared}
	}()
	return out
}

// Inflight is the number of underlying fetches currently running.
func (r *Resolver) Inflight() int {
	return int(r.inflight.Load())
}
