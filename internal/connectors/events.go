package connectors

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// EventHandler receives one published event.
type EventHandler func(topic string, payload map[string]any)

// subscriber is one weak subscriber entry keyed by
// (extension_id, subscription_id); unsubscription is idempotent and
// automatic on extension unload.
type subscriber struct {
	extensionID    string
	subscriptionID string
	handler        EventHandler
}

// EventsConnector is the shared in-process topic bus, generalized from the
// sandbox secure-bus shape: capability and rate checks happen upstream in
// the dispatcher, so the bus itself only owns topic fan-out and subscriber
// lifecycle.
type EventsConnector struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
}

// NewEventsConnector creates an empty topic bus.
func NewEventsConnector() *EventsConnector {
	return &EventsConnector{topics: make(map[string][]*subscriber)}
}

func (c *EventsConnector) Capability() hostcall.Capability { return hostcall.CapEvents }

func (c *EventsConnector) Methods() []string {
	return []string{"publish", "subscribe", "unsubscribe"}
}

// Subscribe registers a handler and returns its subscription ID.
func (c *EventsConnector) Subscribe(extensionID, topic string, handler EventHandler) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &subscriber{
		extensionID:    extensionID,
		subscriptionID: uuid.NewString(),
		handler:        handler,
	}
	c.topics[topic] = append(c.topics[topic], sub)
	return sub.subscriptionID
}

// Unsubscribe removes one subscription; unknown IDs are a no-op
// (idempotent unsubscription).
func (c *EventsConnector) Unsubscribe(extensionID, subscriptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, subs := range c.topics {
		kept := subs[:0]
		for _, s := range subs {
			if s.extensionID == extensionID && s.subscriptionID == subscriptionID {
				continue
			}
			kept = append(kept, s)
		}
		c.topics[topic] = kept
	}
}

// DropExtension removes every subscription the extension holds; called on
// unload.
func (c *EventsConnector) DropExtension(extensionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, subs := range c.topics {
		kept := subs[:0]
		for _, s := range subs {
			if s.extensionID == extensionID {
				continue
			}
			kept = append(kept, s)
		}
		c.topics[topic] = kept
	}
}

// Publish delivers a payload to every subscriber of the topic. Handlers run
// synchronously on the publisher's goroutine with the bus lock released, so
// a handler publishing back onto the bus cannot deadlock.
func (c *EventsConnector) Publish(topic string, payload map[string]any) int {
	c.mu.Lock()
	subs := make([]*subscriber, len(c.topics[topic]))
	copy(subs, c.topics[topic])
	c.mu.Unlock()

	for _, s := range subs {
		s.handler(topic, payload)
	}
	return len(subs)
}

// Invoke handles events.publish/subscribe/unsubscribe for script callers.
// Script-side subscriptions receive events through the bridge's event
// dispatch, so the handler recorded here is installed by the bridge, not
// passed across the hostcall boundary (no opaque callbacks cross it).
func (c *EventsConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	switch req.Method {
	case "publish":
		topic, ok := getString(req.Params, "topic")
		if !ok || topic == "" {
			return nil, hosterrors.UnsupportedValue("events.publish requires a string topic")
		}
		payload, _ := req.Params["payload"].(map[string]any)
		delivered := c.Publish(topic, payload)
		return map[string]any{"delivered": delivered}, nil

	case "subscribe":
		topic, ok := getString(req.Params, "topic")
		if !ok || topic == "" {
			return nil, hosterrors.UnsupportedValue("events.subscribe requires a string topic")
		}
		handler, ok := ctx.Value(subscriptionHandlerKey{}).(EventHandler)
		if !ok || handler == nil {
			return nil, hosterrors.ConnectorError("events", "no subscription handler installed for caller", false, nil)
		}
		id := c.Subscribe(req.ExtensionID, topic, handler)
		return map[string]any{"subscription_id": id}, nil

	case "unsubscribe":
		id, ok := getString(req.Params, "subscription_id")
		if !ok || id == "" {
			return nil, hosterrors.UnsupportedValue("events.unsubscribe requires a string subscription_id")
		}
		c.Unsubscribe(req.ExtensionID, id)
		return map[string]any{"unsubscribed": true}, nil

	default:
		return nil, hosterrors.MethodUnknown("events", req.Method)
	}
}

// subscriptionHandlerKey carries the bridge-installed delivery handler on
// the call context for events.subscribe.
type subscriptionHandlerKey struct{}

// WithSubscriptionHandler attaches the delivery handler the bridge installs
// for an extension's events.subscribe calls.
func WithSubscriptionHandler(ctx context.Context, handler EventHandler) context.Context {
	return context.WithValue(ctx, subscriptionHandlerKey{}, handler)
}
