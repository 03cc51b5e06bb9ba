// Package remote fetches pages of users and their avatars from the upstream
// HTTP API and classifies what goes wrong.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/astromechza/usersync/pkg/users"
)

// Source is a paged collection of users. A page shorter than pageSize marks
// the end of the data. Implementations must tolerate being called again
// after a failure.
type Source interface {
	FetchPage(ctx context.Context, offset, pageSize int) ([]users.User, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, offset, pageSize int) ([]users.User, error)

func (f SourceFunc) FetchPage(ctx context.Context, offset, pageSize int) ([]users.User, error) {
	return f(ctx, offset, pageSize)
}

// HTTPSource reads pages from a GitHub style users endpoint:
// GET {base}/users?since={cursor}&per_page={pageSize}.
//
// With IDCursor set, since is the id of the last user already seen, as on
// api.github.com, and the source maps each offset to the id that ended the
// page before it. Otherwise since is the row offset itself.
type HTTPSource struct {
	BaseURL  *url.URL
	Client   *http.Client
	Logger   *slog.Logger
	IDCursor bool

	mu      sync.Mutex
	cursors map[int]int64
}

func NewHTTPSource(baseURL string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{BaseURL: u, Client: client, Logger: slog.Default(), cursors: make(map[int]int64)}, nil
}

// since is the cursor to send for the page starting at offset.
func (s *HTTPSource) since(offset int) int64 {
	if !s.IDCursor || offset == 0 {
		return int64(offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[offset]; ok {
		return c
	}
	s.Logger.Warn("no id cursor for offset, falling back to the offset", "offset", offset)
	return int64(offset)
}

func (s *HTTPSource) remember(offset int, page []users.User) {
	if !s.IDCursor || len(page) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors == nil {
		s.cursors = make(map[int]int64)
	}
	s.cursors[offset+len(page)] = page[len(page)-1].ID
}

type apiUser struct {
	ID        *int64 `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

func (s *HTTPSource) FetchPage(ctx context.Context, offset, pageSize int) ([]users.User, error) {
	u := s.BaseURL.JoinPath("users")
	q := u.Query()
	q.Set("since", strconv.FormatInt(s.since(offset), 10))
	q.Set("per_page", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	body, err := s.get(ctx, u.String(), "application/json")
	if err != nil {
		return nil, err
	}

	var page []apiUser
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, DecodingError(fmt.Errorf("failed to decode page: %w", err))
	}
	out := make([]users.User, 0, len(page))
	for i, au := range page {
		if au.ID == nil {
			return nil, DecodingError(fmt.Errorf("user %d in page at offset %d has no id", i, offset))
		}
		out = append(out, users.New(*au.ID, au.Login, au.AvatarURL))
	}
	s.remember(offset, out)
	s.Logger.Debug("fetched page", "offset", offset, "size", pageSize, "got", len(out))
	return out, nil
}

// FetchImage downloads the avatar at ref. Relative references resolve against BaseURL.
func (s *HTTPSource) FetchImage(ctx context.Context, ref string) ([]byte, error) {
	target, err := s.BaseURL.Parse(ref)
	if err != nil {
		return nil, DecodingError(fmt.Errorf("failed to parse avatar url: %w", err))
	}
	body, err := s.get(ctx, target.String(), "image/*")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, DecodingError(fmt.Errorf("empty image body for %s", ref))
	}
	return body, nil
}

func (s *HTTPSource) get(ctx context.Context, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, NetworkError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", accept)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, NetworkError(fmt.Errorf("failed to get: %w", err))
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	default:
		return nil, NetworkError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkError(fmt.Errorf("failed to read body: %w", err))
	}
	return raw, nil
}

var _ Source = (*HTTPSource)(nil)
