// Package optimistic applies user mutations locally before the server
// confirms them and rolls them back when the server rejects them.
package optimistic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/tablesync/go/internal/realtime/loop"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/rs/zerolog/log"
)

// Action names a game mutation
type Action string

const (
	ActionBid         Action = "bid"
	ActionChooseTrump Action = "choose_trump"
	ActionPlayCard    Action = "play_card"
	ActionReady       Action = "ready"
	ActionChangeSeat  Action = "change_seat"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionBid, ActionChooseTrump, ActionPlayCard, ActionReady, ActionChangeSeat:
		return true
	default:
		return false
	}
}

// Mutation is what gets submitted to the server
type Mutation struct {
	ID     string
	Topic  protocol.Topic
	Action Action
	Params json.RawMessage
	// ExpectedVersion is the version the prediction was made against
	ExpectedVersion store.Version
}

// Submitter sends mutations to the server. Failures should be
// *MutationError; anything else is treated as a network failure.
type Submitter interface {
	Submit(ctx context.Context, m Mutation) error
}

// Predictor computes the optimistic next payload from the current value. A
// nil Predictor submits without a local prediction.
type Predictor func(current store.VersionedState[json.RawMessage], ok bool) (json.RawMessage, error)

// Request describes one user action
type Request struct {
	Topic   protocol.Topic
	Action  Action
	Params  json.RawMessage
	Predict Predictor
}

// Resolution is the lifecycle of a pending mutation
type Resolution int

const (
	ResolutionPending Resolution = iota
	ResolutionConfirmed
	ResolutionRolledBack
)

func (r Resolution) String() string {
	switch r {
	case ResolutionPending:
		return "pending"
	case ResolutionConfirmed:
		return "confirmed"
	case ResolutionRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("resolution(%d)", int(r))
	}
}

// pendingMutation lives from the optimistic apply until confirm or rollback
type pendingMutation struct {
	mutation Mutation
	previous *store.VersionedState[json.RawMessage]
	// revision of the optimistic value; 0 when nothing was applied
	revision   uint64
	resolution Resolution
}

// Coordinator must be driven from the event loop. Pending may be called from
// any goroutine.
type Coordinator struct {
	loop      *loop.Loop
	store     *store.Reconciler[json.RawMessage]
	submitter Submitter

	mu      sync.RWMutex
	pending map[string]*pendingMutation
}

func NewCoordinator(l *loop.Loop, st *store.Reconciler[json.RawMessage], submitter Submitter) *Coordinator {
	return &Coordinator{
		loop:      l,
		store:     st,
		submitter: submitter,
		pending:   make(map[string]*pendingMutation),
	}
}

// Execute snapshots the topic, applies the prediction synchronously and
// submits the mutation. done runs on the loop with nil on success or a
// *MutationError after rollback. Overlapping mutations on one topic are not
// serialized here.
func (c *Coordinator) Execute(ctx context.Context, req Request, done func(error)) {
	if !req.Action.Valid() {
		done(&MutationError{Kind: KindValidation, Topic: req.Topic, Action: req.Action, Err: fmt.Errorf("unknown action %q", req.Action)})
		return
	}

	current, ok := c.store.Read(req.Topic)
	p := &pendingMutation{
		mutation: Mutation{
			ID:              uuid.New().String(),
			Topic:           req.Topic,
			Action:          req.Action,
			Params:          req.Params,
			ExpectedVersion: current.Version,
		},
		resolution: ResolutionPending,
	}
	if ok {
		snapshot := current
		p.previous = &snapshot
	}

	if req.Predict != nil {
		predicted, err := req.Predict(current, ok)
		if err != nil {
			done(&MutationError{Kind: KindValidation, Topic: req.Topic, Action: req.Action, Err: err})
			return
		}
		applied, _ := c.store.Merge(req.Topic, store.Unversioned, predicted, store.ProvenanceOptimistic)
		p.revision = applied.Revision
	}

	c.mu.Lock()
	c.pending[p.mutation.ID] = p
	c.mu.Unlock()

	log.Debug().
		Str("mutation_id", p.mutation.ID).
		Str("topic", req.Topic.String()).
		Str("action", string(req.Action)).
		Str("expected_version", p.mutation.ExpectedVersion.String()).
		Msg("submitting mutation")

	loop.Await(c.loop, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.submitter.Submit(ctx, p.mutation)
	}, func(_ struct{}, err error) {
		done(c.resolve(p, err))
	})
}

// Pending reports whether a mutation on topic awaits the server
func (c *Coordinator) Pending(topic protocol.Topic) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.pending {
		if p.mutation.Topic == topic {
			return true
		}
	}
	return false
}

func (c *Coordinator) resolve(p *pendingMutation, err error) error {
	c.mu.Lock()
	delete(c.pending, p.mutation.ID)
	c.mu.Unlock()

	if err == nil {
		p.resolution = ResolutionConfirmed
		log.Info().
			Str("mutation_id", p.mutation.ID).
			Str("topic", p.mutation.Topic.String()).
			Str("action", string(p.mutation.Action)).
			Msg("mutation confirmed")
		return nil
	}

	merr := asMutationError(p.mutation, err)
	restored := false
	if p.revision != 0 {
		restored = c.store.Rollback(p.mutation.Topic, p.previous, p.revision)
	}
	p.resolution = ResolutionRolledBack

	log.Warn().
		Err(merr.Err).
		Str("mutation_id", p.mutation.ID).
		Str("topic", p.mutation.Topic.String()).
		Str("action", string(p.mutation.Action)).
		Str("kind", merr.Kind.String()).
		Bool("restored", restored).
		Msg("mutation rejected")
	return merr
}
