package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/usersync/pkg/engine"
	"github.com/astromechza/usersync/pkg/feed"
	"github.com/astromechza/usersync/pkg/images"
	"github.com/astromechza/usersync/pkg/loop"
	"github.com/astromechza/usersync/pkg/remote"
	"github.com/astromechza/usersync/pkg/store"
	"github.com/astromechza/usersync/pkg/users"
)

const total = 45

func page(ctx context.Context, offset, pageSize int) ([]users.User, error) {
	out := []users.User{}
	for i := offset; i < offset+pageSize && i < total; i++ {
		out = append(out, users.New(int64(i), fmt.Sprintf("user%dlogin", i), fmt.Sprintf("avatars/%d", i)))
	}
	return out, nil
}

func setup(t *testing.T) *httptest.Server {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "users.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	l := loop.New(64)
	e, err := engine.New(engine.Options{
		Source: remote.SourceFunc(page),
		Store:  st,
		Resolver: images.NewResolver(images.FetcherFunc(func(ctx context.Context, ref string) ([]byte, error) {
			return []byte("GIF89a" + ref), nil
		})),
		Dispatcher: l,
		PageSize:   30,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	srv := httptest.NewServer(NewRouter(l, e))
	t.Cleanup(func() {
		srv.Close()
		e.Close()
		cancel()
		<-done
	})
	return srv
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func rows(t *testing.T, srv *httptest.Server) Rows {
	t.Helper()
	var out Rows
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/rows", nil, &out))
	return out
}

// loadPage starts a page load and waits until the engine is no longer loading.
func loadPage(t *testing.T, srv *httptest.Server) Rows {
	t.Helper()
	var lm LoadMoreResponse
	require.Equal(t, http.StatusAccepted, do(t, http.MethodPost, srv.URL+"/load-more", nil, &lm))
	assert.True(t, lm.Started)
	var out Rows
	require.Eventually(t, func() bool {
		out = rows(t, srv)
		return out.State != engine.LoadingPage
	}, 5*time.Second, 10*time.Millisecond)
	return out
}

func TestEmptyRows(t *testing.T) {
	srv := setup(t)
	r := rows(t, srv)
	assert.Equal(t, 0, r.Count)
	assert.True(t, r.LoadingRow)
	assert.Equal(t, engine.Idle, r.State)
	assert.Nil(t, r.Failure)
	assert.Empty(t, r.Rows)
}

func TestLoadPagesToEnd(t *testing.T) {
	srv := setup(t)
	r := loadPage(t, srv)
	assert.Equal(t, 30, r.Count)
	assert.True(t, r.LoadingRow)
	assert.Equal(t, int64(29), r.Rows[29].ID)

	r = loadPage(t, srv)
	assert.Equal(t, total, r.Count)
	assert.False(t, r.LoadingRow)
	assert.Equal(t, engine.EndOfData, r.State)

	var lm LoadMoreResponse
	assert.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/load-more", nil, &lm))
	assert.False(t, lm.Started)
}

func TestFilter(t *testing.T) {
	srv := setup(t)
	loadPage(t, srv)
	loadPage(t, srv)

	var r Rows
	require.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/filter", FilterRequest{Term: "USER3"}, &r))
	assert.True(t, r.Filtering)
	assert.False(t, r.LoadingRow)
	ids := make([]int64, 0, len(r.Rows))
	for _, row := range r.Rows {
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []int64{3, 30, 31, 32, 33, 34, 35, 36, 37, 38, 39}, ids)
	assert.Equal(t, 30, r.Rows[1].Position)

	var row Row
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/rows/1", nil, &row))
	assert.Equal(t, int64(30), row.ID)

	require.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/filter", FilterRequest{}, &r))
	assert.False(t, r.Filtering)
	assert.Equal(t, total, r.Count)
}

func TestRowNotFound(t *testing.T) {
	srv := setup(t)
	var body map[string]string
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/rows/3", nil, &body))
	assert.Contains(t, body["error"], "no row at index 3")
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/rows/abc", nil, nil))
}

func TestPutNotes(t *testing.T) {
	srv := setup(t)
	loadPage(t, srv)

	var row Row
	require.Equal(t, http.StatusOK, do(t, http.MethodPut, srv.URL+"/rows/4/notes", NotesRequest{Notes: "hello"}, &row))
	assert.Equal(t, int64(4), row.ID)
	assert.Equal(t, users.Annotated.String(), row.Variant)
	require.NotNil(t, row.Notes)
	assert.Equal(t, "hello", *row.Notes)

	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/rows/4", nil, &row))
	assert.Equal(t, "hello", *row.Notes)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/rows/4/notes", "nope", nil))
}

func TestAvatar(t *testing.T) {
	srv := setup(t)
	loadPage(t, srv)

	resp, err := http.Get(srv.URL + "/rows/2/avatar")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-Image-Requested"))

	require.Eventually(t, func() bool {
		var row Row
		do(t, http.MethodGet, srv.URL+"/rows/2", nil, &row)
		return row.HasImage
	}, 5*time.Second, 10*time.Millisecond)

	resp, err = http.Get(srv.URL + "/rows/2/avatar")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
}

func TestEventsStream(t *testing.T) {
	srv := setup(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() feed.Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m feed.Message
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	first := read()
	assert.Equal(t, engine.ListChanged, first.Kind)
	assert.Equal(t, 0, first.Count)
	assert.True(t, first.LoadingRow)

	require.NoError(t, conn.WriteJSON(feed.Command{Op: feed.OpLoadMore}))
	m := read()
	assert.Equal(t, engine.ListChanged, m.Kind)
	assert.Equal(t, 30, m.Count)

	require.NoError(t, conn.WriteJSON(feed.Command{Op: feed.OpLoadMore}))
	m = read()
	assert.Equal(t, engine.ListChanged, m.Kind)
	assert.Equal(t, total, m.Count)
	m = read()
	assert.Equal(t, engine.NoMoreData, m.Kind)
	assert.False(t, m.LoadingRow)

	require.NoError(t, conn.WriteJSON(feed.Command{Op: feed.OpImage, Index: 7}))
	m = read()
	assert.Equal(t, engine.ImageReady, m.Kind)
	assert.Equal(t, []int{7}, m.Indices)

	require.NoError(t, conn.WriteJSON(feed.Command{Op: feed.OpFilter, Term: "user4"}))
	m = read()
	assert.Equal(t, engine.ListChanged, m.Kind)
	assert.Equal(t, 6, m.Count)
}
