// Package coalesce deduplicates idempotent pull queries. Any burst of
// refetch requests for one key costs at most two network calls: the one
// already in flight and a single follow-up that reflects the latest intent.
package coalesce

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// phase is the per-key fetch state:
//
//	idle --request--> inFlight --request--> inFlightDirty
//	inFlight --done--> idle
//	inFlightDirty --done--> inFlight (one follow-up fetch)
type phase int

const (
	phaseIdle phase = iota
	phaseInFlight
	phaseInFlightDirty
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseInFlight:
		return "in_flight"
	case phaseInFlightDirty:
		return "in_flight_dirty"
	default:
		return "unknown"
	}
}

// FetchFunc performs the network query for key
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

type snapshot[V any] struct {
	token  string
	result V
}

type entry[V any] struct {
	phase     phase
	requestID uint64

	result    V
	hasResult bool
	err       error

	// snapshot is a cached result only reusable while its token matches
	snapshot *snapshot[V]

	waiters []chan struct{}
}

// Coalescer caches the latest result of an idempotent query per key
type Coalescer[K comparable, V any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	fetch  FetchFunc[K, V]
	name   string

	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New creates a coalescer whose fetches run under ctx. name only appears in logs.
func New[K comparable, V any](ctx context.Context, name string, fetch FetchFunc[K, V]) *Coalescer[K, V] {
	cctx, cancel := context.WithCancel(ctx)
	return &Coalescer[K, V]{
		ctx:     cctx,
		cancel:  cancel,
		fetch:   fetch,
		name:    name,
		entries: make(map[K]*entry[V]),
	}
}

// Close cancels fetches in flight
func (c *Coalescer[K, V]) Close() {
	c.cancel()
}

// RequestRefetch asks for a fresh result for key. If a fetch is already in
// flight the request is folded into one follow-up fetch.
func (c *Coalescer[K, V]) RequestRefetch(key K) {
	c.RequestRefetchWithToken(key, "")
}

// RequestRefetchWithToken is RequestRefetch that also records the result as a
// snapshot valid for token, so TryRestore(key, token) can reuse it later
// without a network call. An empty token records no snapshot. Any request
// drops the previous snapshot, since newer data is on its way.
func (c *Coalescer[K, V]) RequestRefetchWithToken(key K, token string) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.snapshot = nil
	if e.phase != phaseIdle {
		prev := e.phase
		e.phase = phaseInFlightDirty
		c.mu.Unlock()
		log.Debug().
			Str("query", c.name).
			Interface("key", key).
			Str("phase", prev.String()).
			Msg("refetch folded into in-flight request")
		return
	}
	e.phase = phaseInFlight
	e.requestID++
	myID := e.requestID
	c.mu.Unlock()

	go c.run(key, myID, token)
}

func (c *Coalescer[K, V]) run(key K, myID uint64, token string) {
	res, err := c.fetch(c.ctx, key)

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.requestID != myID {
		c.mu.Unlock()
		log.Debug().
			Str("query", c.name).
			Interface("key", key).
			Uint64("request_id", myID).
			Msg("discarding result of superseded request")
		return
	}

	if err != nil {
		e.err = err
		log.Warn().
			Err(err).
			Str("query", c.name).
			Interface("key", key).
			Msg("coalesced fetch failed")
	} else {
		e.result = res
		e.hasResult = true
		e.err = nil
		// only the latest result may back a snapshot
		e.snapshot = nil
		if token != "" {
			e.snapshot = &snapshot[V]{token: token, result: res}
		}
	}

	if e.phase == phaseInFlightDirty {
		e.phase = phaseInFlight
		e.requestID++
		nextID := e.requestID
		c.mu.Unlock()

		// the follow-up never records a snapshot
		go c.run(key, nextID, "")
		return
	}

	e.phase = phaseIdle
	c.releaseWaitersLocked(e)
	c.mu.Unlock()
}

// Reset forgets key, discarding any fetch in flight for it
func (c *Coalescer[K, V]) Reset(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.releaseWaitersLocked(e)
	// keep the counter moving so in-flight completions never match again
	c.entries[key] = &entry[V]{requestID: e.requestID + 1}
}

// Result returns the cached result for key and the error of the last fetch,
// if it failed. A failed fetch keeps the previous result.
func (c *Coalescer[K, V]) Result(key K) (V, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false, nil
	}
	return e.result, e.hasResult, e.err
}

// InFlight reports whether a fetch for key is running
func (c *Coalescer[K, V]) InFlight(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.phase != phaseIdle
}

// TryRestore restores the snapshot recorded for token without a network
// call. It fails if no snapshot exists, the token differs, or a fetch is in
// flight.
func (c *Coalescer[K, V]) TryRestore(key K, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || token == "" || e.snapshot == nil || e.snapshot.token != token || e.phase != phaseIdle {
		return false
	}
	e.result = e.snapshot.result
	e.hasResult = true
	e.err = nil
	return true
}

// ApplyLocal edits the cached result in place, e.g. to drop an item the user
// just acted on. edit reports whether the snapshot is still provably
// correct after the edit; if not, the snapshot is discarded.
func (c *Coalescer[K, V]) ApplyLocal(key K, edit func(V) (V, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.hasResult {
		return false
	}
	next, snapshotValid := edit(e.result)
	e.result = next
	if !snapshotValid {
		e.snapshot = nil
	}
	return true
}

// Wait blocks until no fetch for key is in flight and returns the result
func (c *Coalescer[K, V]) Wait(ctx context.Context, key K) (V, bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.phase == phaseIdle {
		c.mu.Unlock()
		return c.Result(key)
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	case <-ch:
		return c.Result(key)
	}
}

func (c *Coalescer[K, V]) entryLocked(key K) *entry[V] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{}
		c.entries[key] = e
	}
	return e
}

func (c *Coalescer[K, V]) releaseWaitersLocked(e *entry[V]) {
	for _, ch := range e.waiters {
		close(ch)
	}
	e.waiters = nil
}
