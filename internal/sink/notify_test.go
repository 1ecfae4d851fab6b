package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/outbox"
)

func orderEvent(t *testing.T, p model.OrderEventPayload) *model.Event {
	t.Helper()

	body, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &model.Event{
		ID:      "evt-2",
		Type:    model.EventOrderCreated,
		Payload: body,
	}
}

func TestNotifierDeliversEvent(t *testing.T) {
	var got notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/events/orders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)

	p := model.OrderEventPayload{
		OrderID:     11,
		OrderNumber: "ORD-20251120-000011",
		UserID:      5,
		Status:      model.OrderStatusNew,
		OccurredAt:  time.Now(),
	}

	if err := n.Apply(context.Background(), orderEvent(t, p)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.EventID != "evt-2" {
		t.Errorf("event id = %q, want evt-2", got.EventID)
	}
	if got.Order.OrderNumber != p.OrderNumber {
		t.Errorf("order number = %q, want %q", got.Order.OrderNumber, p.OrderNumber)
	}
}

func TestNotifierRejectionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	p := model.OrderEventPayload{OrderID: 11, OrderNumber: "ORD-20251120-000011", UserID: 5, Status: model.OrderStatusNew}

	err := n.Apply(context.Background(), orderEvent(t, p))
	if !outbox.IsFatal(err) {
		t.Errorf("4xx response must be fatal, got %v", err)
	}
}

func TestNotifierServerErrorIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	p := model.OrderEventPayload{OrderID: 11, OrderNumber: "ORD-20251120-000011", UserID: 5, Status: model.OrderStatusNew}

	err := n.Apply(context.Background(), orderEvent(t, p))
	if err == nil {
		t.Fatalf("expected error for 5xx response")
	}
	if outbox.IsFatal(err) {
		t.Errorf("5xx response must be recoverable, got fatal: %v", err)
	}
}

func TestNotifierMalformedPayloadIsFatal(t *testing.T) {
	n := NewNotifier("localhost:1")

	e := &model.Event{ID: "evt-2", Type: model.EventOrderCreated, Payload: []byte("oops")}

	err := n.Apply(context.Background(), e)
	if !outbox.IsFatal(err) {
		t.Errorf("malformed payload must be fatal, got %v", err)
	}
}
