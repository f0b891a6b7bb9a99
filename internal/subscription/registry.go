// Package subscription tracks the channels the application wants to hear about.
//
// The registry is independent of connection state: it survives reconnects and
// is only cleared on explicit teardown.
package subscription

import (
	"iter"
	"maps"
	"sync"
	"time"
)

// Params are scalar subscription parameters sent alongside a channel.
type Params map[string]any

// Subscription is a single channel of interest.
type Subscription struct {
	Channel   string
	Params    Params
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry is a concurrency-safe, insertion-ordered set of subscriptions keyed by channel.
type Registry struct {
	mu    sync.RWMutex
	subs  map[string]*Subscription
	order []string
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*Subscription),
		now:  time.Now,
	}
}

// Add upserts a subscription. Adding an existing channel replaces its params
// in place and keeps its replay position. Reports whether the channel was new.
func (r *Registry) Add(channel string, params Params) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if sub, ok := r.subs[channel]; ok {
		sub.Params = maps.Clone(params)
		sub.UpdatedAt = now
		return false
	}

	r.subs[channel] = &Subscription{
		Channel:   channel,
		Params:    maps.Clone(params),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.order = append(r.order, channel)
	return true
}

// Remove deletes a subscription. Removing an absent channel is a no-op.
// Reports whether anything was removed.
func (r *Registry) Remove(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[channel]; !ok {
		return false
	}
	delete(r.subs, channel)

	for i, c := range r.order {
		if c == channel {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the subscription for channel.
func (r *Registry) Get(channel string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[channel]
	if !ok {
		return Subscription{}, false
	}
	return copyOf(sub), true
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns a copy of all subscriptions in insertion order.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.order))
	for _, channel := range r.order {
		out = append(out, copyOf(r.subs[channel]))
	}
	return out
}

// All returns a sequence over the current subscriptions. Each iteration takes
// its own snapshot, so the sequence can be ranged over repeatedly and the
// registry may be mutated (even from inside the loop body) without affecting
// an iteration in progress.
func (r *Registry) All() iter.Seq[Subscription] {
	return func(yield func(Subscription) bool) {
		for _, sub := range r.Snapshot() {
			if !yield(sub) {
				return
			}
		}
	}
}

// Clear removes every subscription. Used on teardown and logout only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[string]*Subscription)
	r.order = nil
}

func copyOf(sub *Subscription) Subscription {
	out := *sub
	out.Params = maps.Clone(sub.Params)
	return out
}
