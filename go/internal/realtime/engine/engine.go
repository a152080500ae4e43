// Package engine wires the realtime components around a single event loop
// and exposes them behind a goroutine-safe API.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tablesync/go/internal/realtime/coalesce"
	"github.com/mcdev12/tablesync/go/internal/realtime/loop"
	"github.com/mcdev12/tablesync/go/internal/realtime/optimistic"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/resync"
	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/mcdev12/tablesync/go/internal/realtime/subscription"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/mcdev12/tablesync/go/internal/realtime/telemetry"
	"github.com/rs/zerolog/log"
)

// waitingKey is the coalescer key of the current user's waiting games list
const waitingKey = "waiting_longest"

// WaitingGamesFetcher lists the games waiting longest on the current user
type WaitingGamesFetcher interface {
	FetchWaitingGames(ctx context.Context) ([]protocol.WaitingGame, error)
}

// Deps are the network collaborators of the engine
type Deps struct {
	Tokens    supervisor.TokenSource
	Dialer    supervisor.Dialer
	Snapshots resync.Fetcher
	Submitter optimistic.Submitter
	Waiting   WaitingGamesFetcher
	Reporter  telemetry.Reporter
	Metrics   telemetry.MetricsCollector
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	Clock      clockwork.Clock
	QueueSize  int
	Supervisor supervisor.Config
	// EvictOnRelease drops cached state when the last reference to a topic
	// is released
	EvictOnRelease bool
}

// YourTurnFunc is called on the loop when the server signals the user's turn
type YourTurnFunc func(gameID, version int64)

// Engine is safe for concurrent use. Listeners registered with OnChange,
// OnYourTurn and OnStatus run on the loop goroutine and must not call methods
// that post to the loop (Connect, Disconnect, Subscribe and its release,
// Mutate, Evict, ClearCache, the On* methods) synchronously: Mutate would wait
// on the loop it is blocking, and the others block while the queue is full.
// Read, Status, Pending, SyncError, Topics and WaitingGames are safe. Hand
// anything else to another goroutine.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	clock    clockwork.Clock
	loop     *loop.Loop
	store    *store.Reconciler[json.RawMessage]
	sup      *supervisor.Supervisor
	subs     *subscription.Manager
	resync   *resync.Resyncer
	coord    *optimistic.Coordinator
	waiting  *coalesce.Coalescer[string, []protocol.WaitingGame]
	reporter telemetry.Reporter
	metrics  telemetry.MetricsCollector
	evict    bool

	// loop-owned
	yourTurn      []YourTurnFunc
	yourTurnToken map[int64]string
	lastState     supervisor.State
}

func New(ctx context.Context, deps Deps, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = loop.DefaultQueueSize
	}
	if opts.Supervisor == (supervisor.Config{}) {
		opts.Supervisor = supervisor.DefaultConfig()
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Fanout{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoOpMetricsCollector{}
	}

	ctx, cancel := context.WithCancel(ctx)
	l := loop.New(opts.Clock, opts.QueueSize)
	st := store.NewReconciler[json.RawMessage](opts.Clock)
	sup := supervisor.New(ctx, l, deps.Tokens, deps.Dialer,
		supervisor.WithConfig(opts.Supervisor),
		supervisor.WithReporter(deps.Reporter),
	)

	e := &Engine{
		ctx:           ctx,
		cancel:        cancel,
		clock:         opts.Clock,
		loop:          l,
		store:         st,
		sup:           sup,
		subs:          subscription.NewManager(sup),
		resync:        resync.New(ctx, l, st, deps.Snapshots, deps.Reporter),
		coord:         optimistic.NewCoordinator(l, st, deps.Submitter),
		reporter:      deps.Reporter,
		metrics:       deps.Metrics,
		evict:         opts.EvictOnRelease,
		yourTurnToken: make(map[int64]string),
	}
	e.waiting = coalesce.New(ctx, "waiting_games", func(ctx context.Context, _ string) ([]protocol.WaitingGame, error) {
		return deps.Waiting.FetchWaitingGames(ctx)
	})

	sup.OnConnected(e.subs.OnHandshake)
	sup.OnMessage(e.route)
	sup.OnStatus(e.onStatus)
	st.OnAccept(func(state store.VersionedState[json.RawMessage]) {
		e.metrics.RecordMerge(state.Provenance, store.Accepted)
	})
	return e
}

// Run processes events until ctx is cancelled or Close is called
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := e.loop.Run(ctx)
	e.waiting.Close()
	return err
}

// Close cancels everything in flight and stops Run
func (e *Engine) Close() {
	e.cancel()
}

// Connect starts the connection if it is not already active
func (e *Engine) Connect() error {
	return e.post(e.sup.Connect)
}

// Disconnect closes the connection and cancels pending retries
func (e *Engine) Disconnect() error {
	return e.post(e.sup.Disconnect)
}

// Subscribe registers interest in topic. The returned release drops it and
// is safe to call more than once.
func (e *Engine) Subscribe(topic protocol.Topic) (func(), error) {
	if err := e.post(func() { e.subs.Acquire(topic) }); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = e.post(func() {
				e.subs.Release(topic)
				if e.subs.Wanted(topic) {
					return
				}
				e.resync.Forget(topic)
				if e.evict {
					e.store.Evict(topic)
				}
			})
		})
	}, nil
}

// Evict drops the cached state of topic. A pending rollback on it becomes a
// no-op.
func (e *Engine) Evict(topic protocol.Topic) error {
	return e.post(func() {
		e.resync.Forget(topic)
		e.store.Evict(topic)
	})
}

// ClearCache drops every cached state and the waiting games list. A fetch
// still in flight is discarded when it completes.
func (e *Engine) ClearCache() error {
	return e.post(func() {
		for _, topic := range e.store.Topics() {
			e.resync.Forget(topic)
		}
		e.store.Clear()
		e.waiting.Reset(waitingKey)
		clear(e.yourTurnToken)
	})
}

// Read returns the current state of topic
func (e *Engine) Read(topic protocol.Topic) (store.VersionedState[json.RawMessage], bool) {
	return e.store.Read(topic)
}

// OnChange registers fn for every accepted state change. fn runs on the loop,
// see Engine for what it may call.
func (e *Engine) OnChange(fn store.Listener[json.RawMessage]) error {
	return e.post(func() { e.store.OnAccept(fn) })
}

// OnYourTurn registers fn for your_turn signals. fn runs on the loop, see
// Engine for what it may call.
func (e *Engine) OnYourTurn(fn YourTurnFunc) error {
	return e.post(func() { e.yourTurn = append(e.yourTurn, fn) })
}

// Mutate applies req optimistically and waits for the server's verdict. A
// game the user acts on leaves the waiting list until the verdict; a
// rejected action puts it back.
func (e *Engine) Mutate(ctx context.Context, req optimistic.Request) error {
	result := make(chan error, 1)
	err := e.post(func() {
		start := e.clock.Now()
		removed := e.dropWaiting(req.Topic)
		e.coord.Execute(ctx, req, func(err error) {
			if err != nil && removed {
				e.restoreWaiting(req.Topic)
			}
			e.metrics.RecordMutation(string(req.Action), mutationResult(err), e.clock.Since(start))
			result <- err
		})
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return loop.ErrStopped
	}
}

// Pending reports whether a mutation on topic awaits the server
func (e *Engine) Pending(topic protocol.Topic) bool {
	return e.coord.Pending(topic)
}

func (e *Engine) Status() supervisor.Status {
	return e.sup.Status()
}

// OnStatus registers fn for connection status changes. fn runs on the loop,
// see Engine for what it may call.
func (e *Engine) OnStatus(fn func(supervisor.Status)) error {
	return e.post(func() { e.sup.OnStatus(fn) })
}

// SyncError returns the unresolved error of topic, if any
func (e *Engine) SyncError(topic protocol.Topic) error {
	return e.resync.SyncError(topic)
}

// Topics lists the topics with state
func (e *Engine) Topics() []protocol.Topic {
	return e.store.Topics()
}

// WaitingGames returns the cached waiting games list without fetching
func (e *Engine) WaitingGames() ([]protocol.WaitingGame, bool, error) {
	return e.waiting.Result(waitingKey)
}

// RefreshWaitingGames requests a refetch and waits for the settled result
func (e *Engine) RefreshWaitingGames(ctx context.Context) ([]protocol.WaitingGame, error) {
	e.waiting.RequestRefetch(waitingKey)
	games, _, err := e.waiting.Wait(ctx, waitingKey)
	return games, err
}

func (e *Engine) post(fn func()) error {
	if e.ctx.Err() != nil {
		return loop.ErrStopped
	}
	if !e.loop.Post(fn) {
		return loop.ErrStopped
	}
	return nil
}

// route dispatches a decoded frame from an established connection
func (e *Engine) route(msg protocol.ServerMsg) {
	e.metrics.RecordFrame(string(msg.Type))
	switch {
	case msg.Type.IsState():
		e.onState(msg)

	case msg.Type == protocol.ServerMsgAck:
		if topic, ok := e.subs.HandleAck(msg); ok {
			log.Debug().Str("topic", topic.String()).Msg("subscription acknowledged")
		}

	case msg.Type == protocol.ServerMsgError:
		e.onError(msg)

	case msg.Type == protocol.ServerMsgYourTurn:
		token := yourTurnToken(msg.GameID, msg.Version)
		e.yourTurnToken[msg.GameID] = token
		e.waiting.RequestRefetchWithToken(waitingKey, token)
		for _, fn := range e.yourTurn {
			fn(msg.GameID, msg.Version)
		}

	case msg.Type == protocol.ServerMsgLongWaitInvalidated:
		delete(e.yourTurnToken, msg.GameID)
		e.waiting.RequestRefetch(waitingKey)

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown frame type")
	}
}

func (e *Engine) onState(msg protocol.ServerMsg) {
	topic := *msg.Topic
	if !e.subs.Wanted(topic) {
		log.Debug().
			Str("topic", topic.String()).
			Int64("version", msg.Version).
			Msg("dropping state for unsubscribed topic")
		return
	}

	state, outcome := e.store.Merge(topic, store.Known(msg.Version), msg.Payload, store.ProvenanceServer)
	if outcome != store.Accepted {
		e.metrics.RecordMerge(store.ProvenanceServer, outcome)
		log.Debug().
			Str("topic", topic.String()).
			Int64("version", msg.Version).
			Str("current_version", state.Version.String()).
			Str("outcome", outcome.String()).
			Msg("state push rejected")
	}
}

func (e *Engine) onError(msg protocol.ServerMsg) {
	topic, ok := e.subs.HandleError(msg)
	if !ok {
		err := fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
		log.Warn().Err(err).Msg("server error not attributable to a topic")
		e.reporter.ReportError(err, map[string]any{"code": string(msg.Code)})
		return
	}
	e.resync.Resync(&resync.ApplicationError{Topic: topic, Code: msg.Code, Message: msg.Message})
}

// dropWaiting removes the game behind topic from the cached waiting list.
// Removing a game the user acts on keeps the your_turn snapshot valid.
func (e *Engine) dropWaiting(topic protocol.Topic) bool {
	if topic.Kind != protocol.KindGame {
		return false
	}
	removed := false
	e.waiting.ApplyLocal(waitingKey, func(games []protocol.WaitingGame) ([]protocol.WaitingGame, bool) {
		next := slices.DeleteFunc(slices.Clone(games), func(g protocol.WaitingGame) bool {
			return g.GameID == topic.ID
		})
		removed = len(next) != len(games)
		return next, true
	})
	return removed
}

func (e *Engine) restoreWaiting(topic protocol.Topic) {
	if token, ok := e.yourTurnToken[topic.ID]; ok && e.waiting.TryRestore(waitingKey, token) {
		log.Debug().Str("topic", topic.String()).Msg("restored waiting games snapshot")
		return
	}
	e.waiting.RequestRefetch(waitingKey)
}

func yourTurnToken(gameID, version int64) string {
	return fmt.Sprintf("your_turn:%d:v%d", gameID, version)
}

func (e *Engine) onStatus(status supervisor.Status) {
	if status.State == e.lastState {
		return
	}
	e.lastState = status.State
	e.metrics.RecordConnectionState(status.State)
}

func mutationResult(err error) string {
	if err == nil {
		return ""
	}
	var merr *optimistic.MutationError
	if errors.As(err, &merr) {
		return merr.Kind.String()
	}
	return "unknown"
}
