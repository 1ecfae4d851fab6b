package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/shopcore-system/internal/model"
	"github.com/mmeshcher/shopcore-system/internal/outbox"
)

// Notifier отправляет события жизненного цикла заказов во внешнюю систему
// уведомлений. Короткие сетевые сбои гасит сам HTTP-клиент; более длинные
// превращаются в восстановимую ошибку и уходят на повтор в outbox.
type Notifier struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewNotifier создаёт приёмник уведомлений для указанного адреса.
func NewNotifier(baseURL string) *Notifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 1 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Notifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type notification struct {
	EventID string                  `json:"event_id"`
	Type    model.EventType         `json:"type"`
	Order   model.OrderEventPayload `json:"order"`
}

// Apply доставляет событие заказа в систему уведомлений.
// Внешний приёмник обрабатывает события по event_id идемпотентно,
// поэтому повторная доставка безопасна.
func (n *Notifier) Apply(ctx context.Context, e *model.Event) error {
	var p model.OrderEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return outbox.Fatal(fmt.Errorf("unmarshal order payload: %w", err))
	}
	if p.OrderID <= 0 || p.OrderNumber == "" {
		return outbox.Fatal(fmt.Errorf("invalid order payload: id=%d number=%q", p.OrderID, p.OrderNumber))
	}

	base := n.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(notification{EventID: e.ID, Type: e.Type, Order: p})
	if err != nil {
		return outbox.Fatal(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/events/orders", bytes.NewReader(body))
	if err != nil {
		return outbox.Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Приёмник отверг событие; повтор того же тела ничего не изменит.
		return outbox.Fatal(fmt.Errorf("notification rejected: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("notification failed: status %d", resp.StatusCode)
	}
}
