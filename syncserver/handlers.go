// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-livesync/livesync"
)

// UpsertRequest is the body of POST /v1/collections/{name}/upsert.
type UpsertRequest struct {
	Rows []livesync.Row `json:"rows"`
}

// DeleteRequest is the body of POST /v1/collections/{name}/delete.
type DeleteRequest struct {
	IDs []string `json:"ids"`
}

// Handlers exposes a livesync.Remote over HTTP for the registered collections.
type Handlers struct {
	remote      livesync.Remote
	collections map[string]bool
	metrics     *Metrics
	logger      *slog.Logger
	cfg         *ServerConfig
	upgrader    websocket.Upgrader

	// streams tracks open websocket subscribers; shutdown ends them.
	mu       sync.Mutex
	closing  bool
	streams  sync.WaitGroup
	shutdown chan struct{}
}

func NewHandlers(remote livesync.Remote, cfg *ServerConfig, metrics *Metrics, logger *slog.Logger) *Handlers {
	collections := make(map[string]bool, len(cfg.Collections))
	for _, name := range cfg.Collections {
		collections[name] = true
	}
	return &Handlers{
		remote:      remote,
		collections: collections,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
}

// Close ends every open change stream and waits for their handlers to return.
func (h *Handlers) Close() {
	h.mu.Lock()
	if !h.closing {
		h.closing = true
		close(h.shutdown)
	}
	h.mu.Unlock()
	h.streams.Wait()
}

// trackStream registers an open stream unless the handlers are closing.
func (h *Handlers) trackStream() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.streams.Add(1)
	return true
}

// collection resolves the {name} path value against the allowlist.
func (h *Handlers) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	if err := livesync.ValidateCollectionName(name); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return "", false
	}
	if !h.collections[name] {
		writeError(w, h.logger, http.StatusNotFound, CodeUnregistered,
			fmt.Sprintf("collection not registered: %s", name))
		return "", false
	}
	return name, true
}

// HandleFetchAll returns every row of the collection.
func (h *Handlers) HandleFetchAll(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collection(w, r)
	if !ok {
		return
	}

	start := time.Now()
	rows, err := h.remote.FetchAll(r.Context(), name)
	h.metrics.observe(r.Context(), name, livesync.OpFetchAll, start, len(rows), err)
	if err != nil {
		h.writeRemoteError(w, name, livesync.OpFetchAll, err)
		return
	}
	if rows == nil {
		rows = []livesync.Row{}
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// HandleUpsertOne writes the row in the body under the {id} path value.
func (h *Handlers) HandleUpsertOne(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collection(w, r)
	if !ok {
		return
	}

	var row livesync.Row
	if !h.decode(w, r, &row) {
		return
	}
	id := r.PathValue("id")
	if row.ID != "" && row.ID != id {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, "row id does not match path")
		return
	}
	row.ID = id

	start := time.Now()
	err := h.remote.UpsertOne(r.Context(), name, row)
	h.metrics.observe(r.Context(), name, livesync.OpUpsertOne, start, 1, err)
	if err != nil {
		h.writeRemoteError(w, name, livesync.OpUpsertOne, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleDeleteOne(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collection(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	start := time.Now()
	err := h.remote.DeleteOne(r.Context(), name, id)
	h.metrics.observe(r.Context(), name, livesync.OpDeleteOne, start, 1, err)
	if err != nil {
		h.writeRemoteError(w, name, livesync.OpDeleteOne, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleBulkUpsert(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collection(w, r)
	if !ok {
		return
	}
	var req UpsertRequest
	if !h.decode(w, r, &req) {
		return
	}
	for _, row := range req.Rows {
		if row.ID == "" {
			writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, "every row needs an id")
			return
		}
	}

	start := time.Now()
	err := h.remote.BulkUpsert(r.Context(), name, req.Rows)
	h.metrics.observe(r.Context(), name, livesync.OpBulkUpsert, start, len(req.Rows), err)
	if err != nil {
		h.writeRemoteError(w, name, livesync.OpBulkUpsert, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleBulkDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := h.collection(w, r)
	if !ok {
		return
	}
	var req DeleteRequest
	if !h.decode(w, r, &req) {
		return
	}

	start := time.Now()
	err := h.remote.BulkDelete(r.Context(), name, req.IDs)
	h.metrics.observe(r.Context(), name, livesync.OpBulkDelete, start, len(req.IDs), err)
	if err != nil {
		h.writeRemoteError(w, name, livesync.OpBulkDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, "failed to parse request body")
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeRemoteError(w http.ResponseWriter, collection, op string, err error) {
	status, code := statusForError(err)
	if code == CodeSchemaMismatch {
		h.logger.Error("Collection table does not have the expected shape",
			"collection", collection, "op", op, "error", err)
	} else {
		h.logger.Warn("Remote operation failed", "collection", collection, "op", op, "error", err)
	}
	writeError(w, h.logger, status, code, err.Error())
}
