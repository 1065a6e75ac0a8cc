package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/sakura-shop/api/internal/services"
)

// PubSubEventPublisher fans order and stock events, customer notifications
// and realtime payment signals out to their Pub/Sub topics. Topics left nil
// disable the corresponding channel.
type PubSubEventPublisher struct {
	orderTopic        *pubsub.Topic
	stockTopic        *pubsub.Topic
	notificationTopic *pubsub.Topic
	realtimeTopic     *pubsub.Topic
	marshal           func(any) ([]byte, error)
}

// PubSubEventPublisherConfig names the topics the publisher writes to.
type PubSubEventPublisherConfig struct {
	OrderEvents   *pubsub.Topic
	StockEvents   *pubsub.Topic
	Notifications *pubsub.Topic
	Realtime      *pubsub.Topic
}

// NewPubSubEventPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubEventPublisher(cfg PubSubEventPublisherConfig) (*PubSubEventPublisher, error) {
	if cfg.OrderEvents == nil && cfg.StockEvents == nil && cfg.Notifications == nil && cfg.Realtime == nil {
		return nil, errors.New("pubsub event publisher: at least one topic is required")
	}
	return &PubSubEventPublisher{
		orderTopic:        cfg.OrderEvents,
		stockTopic:        cfg.StockEvents,
		notificationTopic: cfg.Notifications,
		realtimeTopic:     cfg.Realtime,
		marshal:           json.Marshal,
	}, nil
}

var (
	_ services.OrderEventPublisher  = (*PubSubEventPublisher)(nil)
	_ services.StockEventPublisher  = (*PubSubEventPublisher)(nil)
	_ services.NotificationEnqueuer = (*PubSubEventPublisher)(nil)
	_ services.RealtimeNotifier     = (*PubSubEventPublisher)(nil)
)

// PublishOrderEvent emits one lifecycle event per order mutation.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.orderTopic == nil {
		return nil
	}
	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "customerId", event.CustomerID)
	setAttr(attrs, "status", string(event.CurrentStatus))
	return p.publish(ctx, p.orderTopic, "order event", event, attrs)
}

// PublishStockEvent emits stock adjustment events for analytics consumers.
func (p *PubSubEventPublisher) PublishStockEvent(ctx context.Context, event services.StockEvent) error {
	if p == nil || p.stockTopic == nil {
		return nil
	}
	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "sku", event.SKU)
	setAttr(attrs, "orderRef", event.OrderRef)
	return p.publish(ctx, p.stockTopic, "stock event", event, attrs)
}

// EnqueueNotification hands a customer-facing notification to the delivery
// workers. Delivery is asynchronous and at-least-once.
func (p *PubSubEventPublisher) EnqueueNotification(ctx context.Context, notification services.OrderNotification) error {
	if p == nil || p.notificationTopic == nil {
		return nil
	}
	attrs := make(map[string]string)
	setAttr(attrs, "type", notification.Type)
	setAttr(attrs, "orderId", notification.OrderID)
	setAttr(attrs, "customerId", notification.CustomerID)
	setAttr(attrs, "locale", notification.Locale)
	return p.publish(ctx, p.notificationTopic, "notification", notification, attrs)
}

// NotifyPaymentConfirmed pushes a payment-confirmed signal onto the realtime
// channel so a connected storefront session can update without polling.
func (p *PubSubEventPublisher) NotifyPaymentConfirmed(ctx context.Context, customerID string, orderNumber string) error {
	if p == nil || p.realtimeTopic == nil {
		return nil
	}
	payload := struct {
		Type        string `json:"type"`
		CustomerID  string `json:"customerId"`
		OrderNumber string `json:"orderNumber"`
	}{
		Type:        "payment.confirmed",
		CustomerID:  customerID,
		OrderNumber: orderNumber,
	}
	attrs := make(map[string]string)
	setAttr(attrs, "type", payload.Type)
	setAttr(attrs, "customerId", customerID)
	setAttr(attrs, "orderNumber", orderNumber)
	return p.publish(ctx, p.realtimeTopic, "realtime signal", payload, attrs)
}

func (p *PubSubEventPublisher) publish(ctx context.Context, topic *pubsub.Topic, kind string, payload any, attrs map[string]string) error {
	data, err := p.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
