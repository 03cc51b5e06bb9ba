// Package api exposes the engine's view over HTTP for presentation clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/usersync/pkg/engine"
	"github.com/astromechza/usersync/pkg/feed"
)

type Row struct {
	Index     int     `json:"index"`
	Position  int     `json:"position"`
	ID        int64   `json:"id"`
	Login     string  `json:"login"`
	AvatarURL string  `json:"avatar_url"`
	Variant   string  `json:"variant"`
	Notes     *string `json:"notes,omitempty"`
	HasImage  bool    `json:"has_image"`
}

type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Rows struct {
	Count      int          `json:"count"`
	Total      int          `json:"total"`
	Filtering  bool         `json:"filtering"`
	Term       string       `json:"term,omitempty"`
	LoadingRow bool         `json:"loading_row"`
	State      engine.State `json:"state"`
	Failure    *Failure     `json:"failure,omitempty"`
	Rows       []Row        `json:"rows"`
}

type NotesRequest struct {
	Notes string `json:"notes"`
}

type FilterRequest struct {
	Term string `json:"term"`
}

type LoadMoreResponse struct {
	Started bool         `json:"started"`
	State   engine.State `json:"state"`
}

type server struct {
	caller   feed.Caller
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

// NewRouter serves e. Every engine access is marshalled onto c.
func NewRouter(c feed.Caller, e *engine.Engine) http.Handler {
	s := &server{
		caller: c,
		engine: e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/rows").HandlerFunc(s.listRows)
	r.Methods(http.MethodGet).Path("/rows/{index:[0-9]+}").HandlerFunc(s.getRow)
	r.Methods(http.MethodPut).Path("/rows/{index:[0-9]+}/notes").HandlerFunc(s.putNotes)
	r.Methods(http.MethodGet).Path("/rows/{index:[0-9]+}/avatar").HandlerFunc(s.getAvatar)
	r.Methods(http.MethodPost).Path("/load-more").HandlerFunc(s.loadMore)
	r.Methods(http.MethodPut).Path("/filter").HandlerFunc(s.putFilter)
	r.Methods(http.MethodGet).Path("/events").HandlerFunc(s.events)
	return r
}

func rowAt(e *engine.Engine, index int) Row {
	u := e.RecordAt(index)
	return Row{
		Index:     index,
		Position:  e.UnfilteredIndex(index),
		ID:        u.ID,
		Login:     u.Login,
		AvatarURL: u.AvatarURL,
		Variant:   u.Variant.String(),
		Notes:     u.Notes,
		HasImage:  u.HasImage(),
	}
}

func snapshot(e *engine.Engine) Rows {
	out := Rows{
		Count:      e.Count(),
		Total:      e.Total(),
		Filtering:  e.IsFiltering(),
		Term:       e.Term(),
		LoadingRow: e.LoadingRowVisible(),
		State:      e.State(),
		Rows:       make([]Row, 0, e.Count()),
	}
	if kind, ok := e.Failure(); ok {
		out.Failure = &Failure{Kind: kind.String(), Message: engine.FailureMessage(kind)}
	}
	for i := 0; i < e.Count(); i++ {
		out.Rows = append(out.Rows, rowAt(e, i))
	}
	return out
}

type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string {
	return e.msg
}

func notFound(format string, args ...any) error {
	return &httpError{code: http.StatusNotFound, msg: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) error {
	return &httpError{code: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// call runs fn on the consumer context and turns both the dispatch error and
// fn's own error into a response.
func (s *server) call(writer http.ResponseWriter, request *http.Request, fn func() error) bool {
	var fnErr error
	if err := s.caller.Call(request.Context(), func() { fnErr = fn() }); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("failed to dispatch", "err", err)
		}
		writeError(writer, http.StatusServiceUnavailable, "engine unavailable")
		return false
	}
	if fnErr != nil {
		var he *httpError
		if errors.As(fnErr, &he) {
			writeError(writer, he.code, he.msg)
		} else {
			slog.Error("request failed", "err", fnErr)
			writeError(writer, http.StatusInternalServerError, fnErr.Error())
		}
		return false
	}
	return true
}

func writeJSON(writer http.ResponseWriter, code int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, code int, msg string) {
	writeJSON(writer, code, map[string]string{"error": msg})
}

func indexVar(request *http.Request) (int, error) {
	raw := mux.Vars(request)["index"]
	i, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("invalid index %q", raw)
	}
	return i, nil
}

func checkIndex(e *engine.Engine, index int) error {
	if index >= e.Count() {
		return notFound("no row at index %d", index)
	}
	return nil
}

func (s *server) listRows(writer http.ResponseWriter, request *http.Request) {
	var out Rows
	if s.call(writer, request, func() error {
		out = snapshot(s.engine)
		return nil
	}) {
		writeJSON(writer, http.StatusOK, out)
	}
}

func (s *server) getRow(writer http.ResponseWriter, request *http.Request) {
	index, err := indexVar(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	var out Row
	if s.call(writer, request, func() error {
		if err := checkIndex(s.engine, index); err != nil {
			return err
		}
		out = rowAt(s.engine, index)
		return nil
	}) {
		writeJSON(writer, http.StatusOK, out)
	}
}

func (s *server) putNotes(writer http.ResponseWriter, request *http.Request) {
	index, err := indexVar(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	var body NotesRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("failed to decode body: %v", err))
		return
	}
	var out Row
	if s.call(writer, request, func() error {
		if err := checkIndex(s.engine, index); err != nil {
			return err
		}
		pos := s.engine.UnfilteredIndex(index)
		u := s.engine.RecordAt(index).WithNotes(body.Notes)
		if err := s.engine.ApplyUpdate(u, pos); err != nil {
			return fmt.Errorf("failed to apply update: %w", err)
		}
		// the edit may have moved the row out of the filtered view
		if index < s.engine.Count() && s.engine.UnfilteredIndex(index) == pos {
			out = rowAt(s.engine, index)
		} else {
			out = Row{Index: -1, Position: pos, ID: u.ID, Login: u.Login, AvatarURL: u.AvatarURL,
				Variant: u.Variant.String(), Notes: u.Notes, HasImage: u.HasImage()}
		}
		return nil
	}) {
		writeJSON(writer, http.StatusOK, out)
	}
}

// getAvatar returns the row's image, or 404 after asking the engine to
// resolve it. Clients retry after the image_ready event.
func (s *server) getAvatar(writer http.ResponseWriter, request *http.Request) {
	index, err := indexVar(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	var image []byte
	var started bool
	if !s.call(writer, request, func() error {
		if err := checkIndex(s.engine, index); err != nil {
			return err
		}
		u := s.engine.RecordAt(index)
		if u.HasImage() {
			image = u.Image
			return nil
		}
		started = s.engine.RequestImage(index)
		return nil
	}) {
		return
	}
	if image == nil {
		writer.Header().Set("X-Image-Requested", strconv.FormatBool(started))
		writeError(writer, http.StatusNotFound, "image not resolved yet")
		return
	}
	writer.Header().Set("Content-Type", http.DetectContentType(image))
	if _, err := writer.Write(image); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) loadMore(writer http.ResponseWriter, request *http.Request) {
	var out LoadMoreResponse
	if s.call(writer, request, func() error {
		out.Started = s.engine.LoadMore()
		out.State = s.engine.State()
		return nil
	}) {
		code := http.StatusAccepted
		if !out.Started {
			code = http.StatusOK
		}
		writeJSON(writer, code, out)
	}
}

func (s *server) putFilter(writer http.ResponseWriter, request *http.Request) {
	var body FilterRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("failed to decode body: %v", err))
		return
	}
	var out Rows
	if s.call(writer, request, func() error {
		s.engine.SetFilter(body.Term)
		out = snapshot(s.engine)
		return nil
	}) {
		writeJSON(writer, http.StatusOK, out)
	}
}

func (s *server) events(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	if err := feed.Serve(request.Context(), conn, s.caller, s.engine); err != nil {
		slog.Error("feed ended", "err", err)
	}
}
