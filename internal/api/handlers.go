// Package api exposes admin.Service over HTTP: worker and queue lifecycle,
// publishing, and read-only introspection of deliveries and dead letters.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/relaybroker/relay/internal/admin"
	"github.com/relaybroker/relay/internal/domain"
	"github.com/relaybroker/relay/internal/store"
)

// Handler serves the broker's admin HTTP API.
type Handler struct {
	Service *admin.Service
}

// RegisterRoutes registers all admin routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)

	mux.HandleFunc("POST /workers", h.CreateWorker)
	mux.HandleFunc("DELETE /workers/{id}", h.DestroyWorker)

	mux.HandleFunc("POST /queues", h.CreateQueue)
	mux.HandleFunc("DELETE /queues/{id}", h.DestroyQueue)
	mux.HandleFunc("GET /queues/{name}/deliveries", h.ListDeliveries)
	mux.HandleFunc("GET /queues/{name}/deadletters", h.ListDeadLetters)

	mux.HandleFunc("POST /publish", h.Publish)
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// CreateWorker handles POST /workers
func (h *Handler) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var req admin.CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	worker, err := h.Service.CreateWorker(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(worker)
}

// DestroyWorker handles DELETE /workers/{id}
func (h *Handler) DestroyWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Service.DestroyWorker(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateQueue handles POST /queues
func (h *Handler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var req admin.CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	q, err := h.Service.CreateQueue(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(q)
}

// DestroyQueue handles DELETE /queues/{id}
func (h *Handler) DestroyQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Service.DestroyQueue(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Publish handles POST /publish
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req admin.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	msgID, n, err := h.Service.Publish(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"message_id": msgID,
		"deliveries": n,
	})
}

// ListDeliveries handles GET /queues/{name}/deliveries
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := parseLimit(r, 100)

	deliveries, err := h.Service.ListDeliveries(r.Context(), name, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deliveries)
}

// ListDeadLetters handles GET /queues/{name}/deadletters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := parseLimit(r, 100)

	dead, err := h.Service.ListDeadLetters(r.Context(), name, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dead)
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrWorkerNotFound), errors.Is(err, store.ErrQueueNotFound),
		errors.Is(err, store.ErrDeliveryNotFound), errors.Is(err, store.ErrDeadLetterNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
