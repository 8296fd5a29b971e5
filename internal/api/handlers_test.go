package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaybroker/relay/internal/admin"
	"github.com/relaybroker/relay/internal/dispatcher"
	"github.com/relaybroker/relay/internal/store"
)

func newTestHandler() *Handler {
	svc := admin.New(store.NewMemoryStore(), nil, nil, dispatcher.Config{TickInterval: time.Hour})
	return &Handler{Service: svc}
}

func doRequest(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var reader *bytes.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestHandler()
	rec := doRequest(h, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateWorkerAndQueueThenPublish(t *testing.T) {
	h := newTestHandler()

	rec := doRequest(h, "POST", "/workers", admin.CreateWorkerRequest{Name: "w1", Endpoint: "http://example.test/hook", RPS: 5})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create worker: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var worker struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &worker); err != nil {
		t.Fatalf("decode worker: %v", err)
	}

	rec = doRequest(h, "POST", "/queues", admin.CreateQueueRequest{Name: "orders", Pattern: "order.*", WorkerID: worker.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create queue: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(h, "POST", "/publish", admin.PublishRequest{ID: "msg-1", RoutingKey: "order.created", Body: []byte(`{"id":1}`)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("publish: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		MessageID  string `json:"message_id"`
		Deliveries int    `json:"deliveries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode publish response: %v", err)
	}
	if resp.Deliveries != 1 {
		t.Fatalf("expected 1 delivery, got %d", resp.Deliveries)
	}

	rec = doRequest(h, "GET", "/queues/orders/deliveries", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list deliveries: expected 200, got %d", rec.Code)
	}
}

func TestDestroyWorker_UnknownIDReturnsNotFound(t *testing.T) {
	h := newTestHandler()
	rec := doRequest(h, "DELETE", "/workers/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListDeliveries_UnknownQueueReturnsNotFound(t *testing.T) {
	h := newTestHandler()
	rec := doRequest(h, "GET", "/queues/ghost/deliveries", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
