package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mirkobrombin/go-fleet/v1/store"
)

// Variable mirrors one store key in memory. It reloads the key whenever a
// message is published on the topic of the same name, so every process
// holding a Variable for the key converges on the stored value.
type Variable[T any] struct {
	hub *Hub
	key string
	ttl time.Duration

	mu        sync.Mutex
	raw       []byte
	present   bool
	listeners []func(value T, present bool)
	sub       *Subscription
}

// NewVariable subscribes to key and loads its current value. ttl is applied on
// every Set; zero keeps the key forever.
func NewVariable[T any](ctx context.Context, hub *Hub, key string, ttl time.Duration) (*Variable[T], error) {
	v := &Variable[T]{hub: hub, key: key, ttl: ttl}
	sub, err := hub.Subscribe(ctx, key, func(Message) {
		if err := v.Refresh(context.Background()); err != nil {
			hub.logger.Error("fleet: variable refresh failed", "key", key, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	v.sub = sub
	if err := v.Refresh(ctx); err != nil {
		_ = hub.Unsubscribe(ctx, sub)
		return nil, err
	}
	return v, nil
}

// Key returns the mirrored key.
func (v *Variable[T]) Key() string { return v.key }

// Value returns the last observed value. present is false when the key did
// not exist.
func (v *Variable[T]) Value() (value T, present bool) {
	v.mu.Lock()
	raw, present := v.raw, v.present
	v.mu.Unlock()
	if !present {
		return value, false
	}
	value, err := decode[T](raw)
	if err != nil {
		v.hub.logger.Warn("fleet: variable holds undecodable value", "key", v.key, "error", err)
		return value, false
	}
	return value, true
}

// Set writes value to the store and notifies every mirror of the key.
func (v *Variable[T]) Set(ctx context.Context, value T) error {
	if _, err := v.hub.st.Set(ctx, v.key, value, store.SetOptions{TTL: v.ttl}); err != nil {
		return err
	}
	return v.hub.Publish(ctx, v.key, value)
}

// OnChange registers fn to run after the observed value changes.
func (v *Variable[T]) OnChange(fn func(value T, present bool)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Refresh reloads the key from the store and fires the change listeners when
// the stored bytes differ from the last observation.
func (v *Variable[T]) Refresh(ctx context.Context) error {
	raw, present, err := v.hub.st.Get(ctx, v.key)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if present == v.present && string(raw) == string(v.raw) {
		v.mu.Unlock()
		return nil
	}
	v.raw, v.present = raw, present
	listeners := append(([]func(T, bool))(nil), v.listeners...)
	v.mu.Unlock()

	v.hub.logger.Debug("fleet: variable changed", "key", v.key, "present", present)
	value, ok := v.Value()
	for _, fn := range listeners {
		fn(value, ok)
	}
	return nil
}

// Stop detaches the variable from the hub.
func (v *Variable[T]) Stop(ctx context.Context) error {
	return v.hub.Unsubscribe(ctx, v.sub)
}

// decode mirrors store.Encode: strings and byte slices are stored verbatim,
// everything else as JSON.
func decode[T any](raw []byte) (T, error) {
	var out T
	switch p := any(&out).(type) {
	case *string:
		*p = string(raw)
		return out, nil
	case *[]byte:
		*p = raw
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}
