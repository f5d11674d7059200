// Package transport implements the transport server (C11, new): a chi
// router exposing a liveness probe and stream-inspection endpoints over
// the Merkle log store, plus the websocket handler that drives the event
// pipeline (websocket.go).
//
// Grounded on the teacher's internal/server/rest/{router.go,handlers.go}
// for the chi wiring and handler shape.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arglab/telemetry/internal/merkle"
	"github.com/arglab/telemetry/internal/streamstore"
)

// API holds the dependencies the REST handlers need.
type API struct {
	Store  streamstore.Store
	Engine *merkle.Engine
}

// NewRouter returns a configured chi.Router.
//
// Route layout:
//
//	GET /healthz                         – liveness probe
//	GET /api/v1/streams                  – list stream keys and item counts
//	GET /api/v1/streams/{key}            – full ordered contents of one stream
//	GET /api/v1/streams/{key}/verify      – chain-verify one stream
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/streams", api.handleListStreams)
		r.Get("/streams/{key}", api.handleGetStream)
		r.Get("/streams/{key}/verify", api.handleVerifyStream)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListStreams(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		Key   string `json:"key"`
		Items int    `json:"items"`
	}
	var out []summary
	err := a.Store.WalkStreams(r.Context(), func(key string, items []streamstore.Item) error {
		out = append(out, summary{Key: key, Items: len(items)})
		return nil
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	items, err := a.Store.ReadAll(r.Context(), key)
	if err != nil {
		handleStreamLookupError(w, err)
		return
	}
	if items == nil {
		handleStreamLookupError(w, streamstore.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleVerifyStream(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := a.Engine.VerifyChain(r.Context(), key); err != nil {
		var integrity *merkle.IntegrityError
		if errors.As(err, &integrity) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": integrity.Error()})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func handleStreamLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, streamstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}
