// Package resync pulls a topic over HTTP when the realtime channel reports an
// application error for it. Results merge through the store's version gate,
// so a slow pull can never regress state a push already advanced.
package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcdev12/tablesync/go/internal/realtime/loop"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/rs/zerolog/log"
)

// Snapshot is the result of a conditional fetch
type Snapshot struct {
	NotModified bool
	Version     int64
	Payload     json.RawMessage
	// ETag is the caching token for the next conditional fetch
	ETag string
}

// Fetcher performs the conditional pull. An empty cachingToken requests an
// unconditional fetch.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, topic protocol.Topic, cachingToken string) (Snapshot, error)
}

// Reporter receives fetch failures for observability
type Reporter interface {
	ReportError(err error, fields map[string]any)
}

// ApplicationError is an error frame the server sent about a topic. It
// triggers a pull for that topic only.
type ApplicationError struct {
	Topic   protocol.Topic
	Code    protocol.ErrorCode
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("server error on %s: %s: %s", e.Topic, e.Code, e.Message)
}

// FetchError is a failed pull. It is not retried.
type FetchError struct {
	Topic protocol.Topic
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("resync %s: %v", e.Topic, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Resyncer runs on the event loop. SyncError may be called from any goroutine.
type Resyncer struct {
	ctx      context.Context
	loop     *loop.Loop
	store    *store.Reconciler[json.RawMessage]
	fetcher  Fetcher
	reporter Reporter

	etags map[protocol.Topic]string
	// inFlight holds the id of the outstanding pull per topic
	inFlight map[protocol.Topic]uint64
	lastPull uint64

	errMu sync.RWMutex
	errs  map[protocol.Topic]error
}

func New(ctx context.Context, l *loop.Loop, st *store.Reconciler[json.RawMessage], fetcher Fetcher, reporter Reporter) *Resyncer {
	return &Resyncer{
		ctx:      ctx,
		loop:     l,
		store:    st,
		fetcher:  fetcher,
		reporter: reporter,
		etags:    make(map[protocol.Topic]string),
		inFlight: make(map[protocol.Topic]uint64),
		errs:     make(map[protocol.Topic]error),
	}
}

// Resync issues one conditional fetch for the topic named by cause. A
// request while a fetch for the same topic is in flight is dropped.
func (r *Resyncer) Resync(cause *ApplicationError) {
	topic := cause.Topic
	if r.inFlight[topic] != 0 {
		log.Debug().Str("topic", topic.String()).Msg("resync already in flight, dropping request")
		return
	}
	r.lastPull++
	pull := r.lastPull
	r.inFlight[topic] = pull
	r.setError(topic, cause)

	token := r.cachingToken(topic)
	log.Info().
		Str("topic", topic.String()).
		Str("code", string(cause.Code)).
		Str("caching_token", token).
		Msg("resyncing topic over http")

	loop.Await(r.loop, r.ctx, func(ctx context.Context) (Snapshot, error) {
		return r.fetcher.FetchSnapshot(ctx, topic, token)
	}, func(snap Snapshot, err error) {
		r.onFetched(topic, pull, snap, err)
	})
}

// InFlight reports whether a pull for topic is outstanding
func (r *Resyncer) InFlight(topic protocol.Topic) bool {
	return r.inFlight[topic] != 0
}

// SyncError returns the current sync error of topic, if any
func (r *Resyncer) SyncError(topic protocol.Topic) error {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.errs[topic]
}

// Forget drops the caching token and sync error of a topic nobody follows.
// A pull still in flight for it is discarded when it completes.
func (r *Resyncer) Forget(topic protocol.Topic) {
	delete(r.etags, topic)
	delete(r.inFlight, topic)
	r.setError(topic, nil)
}

func (r *Resyncer) onFetched(topic protocol.Topic, pull uint64, snap Snapshot, err error) {
	if r.inFlight[topic] != pull {
		log.Debug().
			Str("topic", topic.String()).
			Uint64("pull", pull).
			Msg("discarding resync of forgotten topic")
		return
	}
	delete(r.inFlight, topic)

	if err != nil {
		ferr := &FetchError{Topic: topic, Err: err}
		r.setError(topic, ferr)
		r.reporter.ReportError(ferr, map[string]any{"topic": topic.String()})
		log.Warn().Err(err).Str("topic", topic.String()).Msg("resync failed")
		return
	}

	r.setError(topic, nil)
	if snap.NotModified {
		log.Debug().Str("topic", topic.String()).Msg("resync not modified")
		return
	}

	if snap.ETag != "" {
		r.etags[topic] = snap.ETag
	}
	_, outcome := r.store.Merge(topic, store.Known(snap.Version), snap.Payload, store.ProvenanceHTTP)
	log.Info().
		Str("topic", topic.String()).
		Int64("version", snap.Version).
		Str("outcome", outcome.String()).
		Msg("resync fetched snapshot")
}

// cachingToken is the stored ETag, unless the store has since accepted a
// newer versioned value, in which case the token is derived from it
func (r *Resyncer) cachingToken(topic protocol.Topic) string {
	etag := r.etags[topic]
	if topic.Kind != protocol.KindGame {
		return etag
	}

	state, ok := r.store.Read(topic)
	if !ok || !state.Version.Valid {
		return etag
	}
	if etag != "" {
		if _, version, err := protocol.ParseGameETag(etag); err == nil && version >= state.Version.Value {
			return etag
		}
	}
	return protocol.GameETag(topic.ID, state.Version.Value)
}

func (r *Resyncer) setError(topic protocol.Topic, err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if err == nil {
		delete(r.errs, topic)
		return
	}
	r.errs[topic] = err
}
