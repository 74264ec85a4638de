package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
	"github.com/mirkobrombin/go-fleet/v1/pool"
	"github.com/mirkobrombin/go-fleet/v1/store"
)

// Message is a payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Decode unmarshals a JSON payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Callback handles a message delivered to a subscription.
type Callback func(msg Message)

// Subscription is a callback registered on a topic.
type Subscription struct {
	ID       uint64
	Topic    string
	Callback Callback
}

// Metrics reports hub activity. Subscribes and Unsubscribes count the
// commands sent on the subscriber connection, not local registrations.
type Metrics struct {
	Published    uint64
	Delivered    uint64
	Subscribes   uint64
	Unsubscribes uint64
}

// subscribeAck is closed when the store confirms a SUBSCRIBE, or with err set
// when the subscriber connection goes away first.
type subscribeAck struct {
	done chan struct{}
	err  error
}

// Hub multiplexes local subscribers over one subscriber connection.
type Hub struct {
	st     *store.Client
	dial   pool.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	ps     *redis.PubSub
	done   chan struct{}
	subs    map[string][]*Subscription
	pending map[string]*subscribeAck
	nextID  uint64
	closed bool

	published    atomic.Uint64
	delivered    atomic.Uint64
	subscribes   atomic.Uint64
	unsubscribes atomic.Uint64
}

const channelSize = 1000

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub returns a Hub publishing through st and dialing its subscriber
// connection with dial.
func NewHub(st *store.Client, dial pool.Dialer, opts ...Option) *Hub {
	h := &Hub{
		st:     st,
		dial:   dial,
		logger: slog.Default(),
		subs:    make(map[string][]*Subscription),
		pending: make(map[string]*subscribeAck),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers cb for messages on topic. The first subscription to a
// topic returns once the store has confirmed it, so a message published after
// Subscribe returns is delivered to cb.
func (h *Hub) Subscribe(ctx context.Context, topic string, cb Callback) (*Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("pubsub: nil callback for %s", topic)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fleeterrors.ErrConnectionClosed
	}
	if h.ps == nil {
		if err := h.connectLocked(ctx); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}
	if len(h.subs[topic]) == 0 {
		a := &subscribeAck{done: make(chan struct{})}
		h.pending[topic] = a
		if err := h.ps.Subscribe(ctx, topic); err != nil {
			delete(h.pending, topic)
			if len(h.subs) == 0 {
				h.disconnectLocked()
			}
			h.mu.Unlock()
			return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
		}
		h.subscribes.Add(1)
		metrics.PubSubTopicsGauge.Inc()
	}
	h.nextID++
	sub := &Subscription{ID: h.nextID, Topic: topic, Callback: cb}
	h.subs[topic] = append(h.subs[topic], sub)
	ack := h.pending[topic]
	h.mu.Unlock()

	if ack == nil {
		return sub, nil
	}
	select {
	case <-ack.done:
		if ack.err == nil {
			return sub, nil
		}
		_ = h.Unsubscribe(context.WithoutCancel(ctx), sub)
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, ack.err)
	case <-ctx.Done():
		_ = h.Unsubscribe(context.WithoutCancel(ctx), sub)
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, ctx.Err())
	}
}

// Unsubscribe removes sub. Removing an unknown or already removed
// subscription is logged and ignored.
func (h *Hub) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list, ok := h.subs[sub.Topic]
	if !ok {
		h.logger.Warn("fleet: subscriptions not found for topic", "topic", sub.Topic, "subscription", sub.ID)
		return nil
	}
	kept := list[:0]
	for _, s := range list {
		if s.ID != sub.ID {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(list) {
		h.logger.Warn("fleet: subscription not registered", "topic", sub.Topic, "subscription", sub.ID)
		return nil
	}
	if len(kept) > 0 {
		h.subs[sub.Topic] = kept
		return nil
	}

	delete(h.subs, sub.Topic)
	delete(h.pending, sub.Topic)
	metrics.PubSubTopicsGauge.Dec()
	var err error
	if h.ps != nil {
		err = h.ps.Unsubscribe(ctx, sub.Topic)
		h.unsubscribes.Add(1)
	}
	if len(h.subs) == 0 {
		h.disconnectLocked()
	}
	if err != nil {
		return fmt.Errorf("pubsub: unsubscribe %s: %w", sub.Topic, err)
	}
	return nil
}

// Publish sends msg on topic through the pool. Strings and byte slices are
// sent verbatim, other values as JSON.
func (h *Hub) Publish(ctx context.Context, topic string, msg any) error {
	if _, err := h.st.Publish(ctx, topic, msg); err != nil {
		return err
	}
	h.published.Add(1)
	metrics.PubSubPublishedCounter.Inc()
	return nil
}

// Topics returns the topics with at least one subscriber, sorted.
func (h *Hub) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics := make([]string, 0, len(h.subs))
	for t := range h.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Connected reports whether the subscriber connection is open.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ps != nil
}

// Metrics returns a snapshot of the hub counters.
func (h *Hub) Metrics() Metrics {
	return Metrics{
		Published:    h.published.Load(),
		Delivered:    h.delivered.Load(),
		Subscribes:   h.subscribes.Load(),
		Unsubscribes: h.unsubscribes.Load(),
	}
}

// Close drops every subscription and disconnects the subscriber connection.
// It must not be called from a Callback.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	metrics.PubSubTopicsGauge.Sub(float64(len(h.subs)))
	h.subs = make(map[string][]*Subscription)
	done := h.done
	h.disconnectLocked()
	h.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) connectLocked(ctx context.Context) error {
	client, err := h.dial(ctx)
	if err != nil {
		return err
	}
	ps := client.Subscribe(ctx)
	done := make(chan struct{})
	h.client, h.ps, h.done = client, ps, done
	go h.receive(ps.ChannelWithSubscriptions(redis.WithChannelSize(channelSize)), done)
	h.logger.Debug("fleet: subscriber connected")
	return nil
}

func (h *Hub) disconnectLocked() {
	if h.ps == nil {
		return
	}
	for topic, a := range h.pending {
		a.err = fleeterrors.ErrConnectionClosed
		close(a.done)
		delete(h.pending, topic)
	}
	_ = h.ps.Close()
	_ = h.client.Close()
	h.client, h.ps, h.done = nil, nil, nil
	h.logger.Debug("fleet: subscriber disconnected")
}

func (h *Hub) receive(ch <-chan interface{}, done chan struct{}) {
	defer close(done)
	for v := range ch {
		switch m := v.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				h.confirm(m.Channel)
			}
		case *redis.Message:
			h.dispatch(Message{Topic: m.Channel, Payload: []byte(m.Payload)})
		}
	}
}

func (h *Hub) confirm(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.pending[topic]; ok {
		close(a.done)
		delete(h.pending, topic)
	}
}

func (h *Hub) dispatch(msg Message) {
	h.mu.Lock()
	subs := append([]*Subscription(nil), h.subs[msg.Topic]...)
	h.mu.Unlock()
	if len(subs) == 0 {
		h.logger.Warn("fleet: received message for topic, but no subscribers", "topic", msg.Topic)
		return
	}
	for _, sub := range subs {
		h.deliver(sub, msg)
	}
}

func (h *Hub) deliver(sub *Subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("fleet: subscriber panicked", "topic", msg.Topic, "subscription", sub.ID, "panic", r)
		}
	}()
	sub.Callback(msg)
	h.delivered.Add(1)
	metrics.PubSubDeliveredCounter.Inc()
}
