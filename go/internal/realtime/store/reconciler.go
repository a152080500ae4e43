// Package store holds the canonical per-topic view of server state. The
// Reconciler is the only mutation path: pushes, snapshot fetches, optimistic
// predictions and rollbacks all pass through it.
package store

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/rs/zerolog/log"
)

// Listener is notified after a value has been written for a topic
type Listener[T any] func(state VersionedState[T])

// Reconciler is a versioned per-topic store. Reads are safe from any
// goroutine; writes are expected to come from a single goroutine (the event
// loop) and are never reentrant.
type Reconciler[T any] struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	states map[protocol.Topic]VersionedState[T]
	// floors is the highest authoritative version accepted per topic. It
	// gates server values arriving while a prediction is stored.
	floors map[protocol.Topic]Version
	// dropped is the revision at which a topic was last evicted
	dropped   map[protocol.Topic]uint64
	clearedAt uint64
	revision  uint64

	listeners []Listener[T]
}

// NewReconciler creates an empty store
func NewReconciler[T any](clock clockwork.Clock) *Reconciler[T] {
	return &Reconciler[T]{
		clock:   clock,
		states:  make(map[protocol.Topic]VersionedState[T]),
		floors:  make(map[protocol.Topic]Version),
		dropped: make(map[protocol.Topic]uint64),
	}
}

// OnAccept registers a listener for accepted writes, e.g. to invalidate
// topic-keyed derived caches. Listeners run synchronously after the write.
func (r *Reconciler[T]) OnAccept(l Listener[T]) {
	r.listeners = append(r.listeners, l)
}

// Read returns the stored value for topic
func (r *Reconciler[T]) Read(topic protocol.Topic) (VersionedState[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[topic]
	return state, ok
}

// Topics returns every topic with a stored value
func (r *Reconciler[T]) Topics() []protocol.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]protocol.Topic, 0, len(r.states))
	for topic := range r.states {
		topics = append(topics, topic)
	}
	return topics
}

// Merge stores payload for topic if it passes the version gate. The stored
// value is replaced iff nothing is stored, either version is undefined, or
// the incoming version is strictly greater. Equal versions are duplicates.
// While an unversioned prediction is stored, a versioned value is compared
// against the last authoritative version instead, so the accepted server
// version never decreases.
func (r *Reconciler[T]) Merge(topic protocol.Topic, version Version, payload T, provenance Provenance) (VersionedState[T], Outcome) {
	r.mu.Lock()
	current, exists := r.states[topic]
	outcome := gate(current, exists, r.floors[topic], version)
	if outcome != Accepted {
		r.mu.Unlock()
		log.Debug().
			Str("topic", topic.String()).
			Str("current_version", current.Version.String()).
			Str("incoming_version", version.String()).
			Str("provenance", provenance.String()).
			Str("outcome", outcome.String()).
			Msg("dropped update at version gate")
		return current, outcome
	}

	state := r.writeLocked(topic, version, payload, provenance)
	if provenance.Authoritative() && version.Valid {
		if floor := r.floors[topic]; !floor.Valid || version.Value > floor.Value {
			r.floors[topic] = version
		}
	}
	r.mu.Unlock()

	r.notify(state)
	return state, Accepted
}

// Rollback restores snapshot for topic, bypassing the version gate. revision
// identifies the value the caller wrote on top of snapshot. Rollback is a
// no-op returning false if the topic was evicted or cleared since then, or if
// the stored value is a versioned value strictly newer than snapshot. A nil
// snapshot restores absence.
func (r *Reconciler[T]) Rollback(topic protocol.Topic, snapshot *VersionedState[T], revision uint64) bool {
	r.mu.Lock()
	current, exists := r.states[topic]
	if !exists || r.clearedAt > revision || r.dropped[topic] > revision {
		r.mu.Unlock()
		log.Debug().
			Str("topic", topic.String()).
			Uint64("revision", revision).
			Msg("rollback skipped, entry evicted")
		return false
	}
	if current.Revision != revision && newerThan(current.Version, snapshot) {
		r.mu.Unlock()
		log.Debug().
			Str("topic", topic.String()).
			Uint64("revision", revision).
			Str("current_version", current.Version.String()).
			Msg("rollback skipped, newer value stored")
		return false
	}

	if snapshot == nil {
		delete(r.states, topic)
		delete(r.floors, topic)
		r.mu.Unlock()
		log.Debug().Str("topic", topic.String()).Msg("rolled back to empty")
		return true
	}

	r.revision++
	restored := *snapshot
	restored.Revision = r.revision
	r.states[topic] = restored
	r.mu.Unlock()

	log.Debug().
		Str("topic", topic.String()).
		Str("version", restored.Version.String()).
		Str("provenance", restored.Provenance.String()).
		Msg("rolled back optimistic value")

	r.notify(restored)
	return true
}

// Evict drops the value for topic. Rollbacks of values written before the
// eviction become no-ops.
func (r *Reconciler[T]) Evict(topic protocol.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision++
	r.dropped[topic] = r.revision
	delete(r.states, topic)
	delete(r.floors, topic)
}

// Clear drops every stored value
func (r *Reconciler[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision++
	r.clearedAt = r.revision
	r.states = make(map[protocol.Topic]VersionedState[T])
	r.floors = make(map[protocol.Topic]Version)
	r.dropped = make(map[protocol.Topic]uint64)
}

func (r *Reconciler[T]) writeLocked(topic protocol.Topic, version Version, payload T, provenance Provenance) VersionedState[T] {
	r.revision++
	state := VersionedState[T]{
		Topic:      topic,
		Version:    version,
		Payload:    payload,
		Provenance: provenance,
		ReceivedAt: r.clock.Now(),
		Revision:   r.revision,
	}
	r.states[topic] = state
	return state
}

func (r *Reconciler[T]) notify(state VersionedState[T]) {
	for _, l := range r.listeners {
		l(state)
	}
}

func gate[T any](current VersionedState[T], exists bool, floor Version, incoming Version) Outcome {
	switch {
	case !exists || !incoming.Valid:
		return Accepted
	case !current.Version.Valid:
		return compareVersions(floor, incoming)
	default:
		return compareVersions(current.Version, incoming)
	}
}

func compareVersions(current, incoming Version) Outcome {
	switch {
	case !current.Valid || incoming.Value > current.Value:
		return Accepted
	case incoming.Value == current.Value:
		return RejectedDuplicate
	default:
		return RejectedStale
	}
}

// newerThan reports whether current is a versioned value strictly newer than
// snapshot. Any versioned value is newer than an absent or unversioned one.
func newerThan[T any](current Version, snapshot *VersionedState[T]) bool {
	if !current.Valid {
		return false
	}
	if snapshot == nil || !snapshot.Version.Valid {
		return true
	}
	return current.Value > snapshot.Version.Value
}
