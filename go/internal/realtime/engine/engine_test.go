package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tablesync/go/internal/realtime/loop"
	"github.com/mcdev12/tablesync/go/internal/realtime/optimistic"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/resync"
	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
)

var errConnClosed = errors.New("use of closed connection")

type fakeConn struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.written <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) expect(t *testing.T, typ protocol.ClientMsgType) protocol.ClientMsg {
	t.Helper()
	select {
	case data := <-c.written:
		var msg protocol.ClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid client frame %s: %v", data, err)
		}
		assert.Equal(t, typ, msg.Type)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s frame written", typ)
		return protocol.ClientMsg{}
	}
}

type fakeNetwork struct {
	conn *fakeConn

	mu         sync.Mutex
	snapshots  []protocol.Topic
	snapshot   resync.Snapshot
	waiting    []protocol.WaitingGame
	waitCalls  int
	submitErr  error
	submitGate chan struct{}

	snapshotGate chan struct{}
	fetched      int
}

func (n *fakeNetwork) FetchRealtimeToken(ctx context.Context) (string, error) {
	return "tok", nil
}

func (n *fakeNetwork) Dial(ctx context.Context, token string) (supervisor.Conn, error) {
	return n.conn, nil
}

func (n *fakeNetwork) FetchSnapshot(ctx context.Context, topic protocol.Topic, cachingToken string) (resync.Snapshot, error) {
	n.mu.Lock()
	n.snapshots = append(n.snapshots, topic)
	snap, gate := n.snapshot, n.snapshotGate
	n.mu.Unlock()

	if gate != nil {
		<-gate
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetched++
	return snap, nil
}

func (n *fakeNetwork) fetchedSnapshots() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fetched
}

func (n *fakeNetwork) FetchWaitingGames(ctx context.Context) ([]protocol.WaitingGame, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waitCalls++
	return append([]protocol.WaitingGame(nil), n.waiting...), nil
}

func (n *fakeNetwork) Submit(ctx context.Context, m optimistic.Mutation) error {
	if n.submitGate != nil {
		<-n.submitGate
	}
	return n.submitErr
}

func (n *fakeNetwork) waitingCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.waitCalls
}

func (n *fakeNetwork) snapshotCalls() []protocol.Topic {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.Topic(nil), n.snapshots...)
}

type fakeMetrics struct {
	mu        sync.Mutex
	frames    []string
	states    []supervisor.State
	mutations []string
}

func (m *fakeMetrics) RecordFrame(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, msgType)
}

func (m *fakeMetrics) RecordMerge(store.Provenance, store.Outcome) {}

func (m *fakeMetrics) RecordConnectionState(state supervisor.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *fakeMetrics) RecordMutation(action string, errKind string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, action+":"+errKind)
}

func (m *fakeMetrics) snapshot() ([]string, []supervisor.State, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.frames...), append([]supervisor.State(nil), m.states...), append([]string(nil), m.mutations...)
}

type harness struct {
	engine  *Engine
	net     *fakeNetwork
	metrics *fakeMetrics
	done    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Options{Clock: clockwork.NewFakeClock()})
}

func newHarnessWith(t *testing.T, opts Options) *harness {
	t.Helper()
	net := &fakeNetwork{conn: newFakeConn()}
	metrics := &fakeMetrics{}
	e := New(context.Background(), Deps{
		Tokens:    net,
		Dialer:    net,
		Snapshots: net,
		Submitter: net,
		Waiting:   net,
		Metrics:   metrics,
	}, opts)

	h := &harness{engine: e, net: net, metrics: metrics, done: make(chan error, 1)}
	go func() { h.done <- e.Run(context.Background()) }()
	t.Cleanup(func() {
		e.Close()
		<-h.done
	})
	return h
}

// onLoop runs fn on the loop and waits for it
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	assert.Equal(t, h.engine.post(func() {
		fn()
		close(done)
	}), nil)
	<-done
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	assert.Equal(t, h.engine.Connect(), nil)
	h.net.conn.expect(t, protocol.ClientMsgHello)
	h.net.conn.push(`{"type":"hello_ack","protocol":1,"user_id":7}`)
	waitFor(t, func() bool { return h.engine.Status().State == supervisor.StateConnected })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscribeBeforeConnectIsSentAfterHandshake(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Subscribe(protocol.GameTopic(1))
	assert.Equal(t, err, nil)

	h.connect(t)
	msg := h.net.conn.expect(t, protocol.ClientMsgSubscribe)
	assert.Equal(t, protocol.GameTopic(1), *msg.Topic)
	assert.Equal(t, int64(7), h.engine.Status().UserID)
}

// accepted records every accepted state change
func (h *harness) accepted(t *testing.T) func() []store.VersionedState[json.RawMessage] {
	t.Helper()
	var (
		mu     sync.Mutex
		states []store.VersionedState[json.RawMessage]
	)
	assert.Equal(t, h.engine.OnChange(func(state store.VersionedState[json.RawMessage]) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	}), nil)
	return func() []store.VersionedState[json.RawMessage] {
		mu.Lock()
		defer mu.Unlock()
		return append([]store.VersionedState[json.RawMessage](nil), states...)
	}
}

func TestStatePushesAreVersionGated(t *testing.T) {
	h := newHarness(t)
	accepted := h.accepted(t)
	_, err := h.engine.Subscribe(protocol.GameTopic(1))
	assert.Equal(t, err, nil)
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)

	h.net.conn.push(`{"type":"ack","message":"subscribed"}`)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":3,"phase":"bidding"}`)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":2,"phase":"lobby"}`)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":3,"phase":"lobby"}`)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":4,"phase":"playing"}`)

	waitFor(t, func() bool { return len(accepted()) == 2 })
	states := accepted()
	assert.Equal(t, store.Known(3), states[0].Version)
	assert.Equal(t, `{"phase":"bidding"}`, string(states[0].Payload))
	assert.Equal(t, store.Known(4), states[1].Version)

	state, ok := h.engine.Read(protocol.GameTopic(1))
	assert.Equal(t, true, ok)
	assert.Equal(t, store.ProvenanceServer, state.Provenance)
	assert.Equal(t, `{"phase":"playing"}`, string(state.Payload))
}

func TestStateForUnsubscribedTopicIsDropped(t *testing.T) {
	h := newHarness(t)
	accepted := h.accepted(t)
	_, err := h.engine.Subscribe(protocol.GameTopic(1))
	assert.Equal(t, err, nil)
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)

	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":9},"version":1}`)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":1}`)

	waitFor(t, func() bool { return len(accepted()) == 1 })
	assert.Equal(t, protocol.GameTopic(1), accepted()[0].Topic)
	_, ok := h.engine.Read(protocol.GameTopic(9))
	assert.Equal(t, false, ok)
}

func TestErrorFrameResyncsTopic(t *testing.T) {
	h := newHarness(t)
	h.net.snapshot = resync.Snapshot{Version: 5, Payload: json.RawMessage(`{"phase":"playing"}`), ETag: `"game-1-v5"`}
	_, err := h.engine.Subscribe(protocol.GameTopic(1))
	assert.Equal(t, err, nil)
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)

	h.net.conn.push(`{"type":"error","code":"forbidden","message":"not seated","topic":{"kind":"game","id":1}}`)

	waitFor(t, func() bool {
		state, ok := h.engine.Read(protocol.GameTopic(1))
		return ok && state.Version == store.Known(5)
	})
	state, _ := h.engine.Read(protocol.GameTopic(1))
	assert.Equal(t, store.ProvenanceHTTP, state.Provenance)
	assert.Equal(t, []protocol.Topic{protocol.GameTopic(1)}, h.net.snapshotCalls())
	waitFor(t, func() bool { return h.engine.SyncError(protocol.GameTopic(1)) == nil })
}

func TestReleaseUnsubscribesOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	release, err := h.engine.Subscribe(protocol.GameTopic(2))
	assert.Equal(t, err, nil)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)

	release()
	release()
	msg := h.net.conn.expect(t, protocol.ClientMsgUnsubscribe)
	assert.Equal(t, protocol.GameTopic(2), *msg.Topic)

	h.onLoop(t, func() {
		assert.Equal(t, 0, h.engine.subs.Count(protocol.GameTopic(2)))
	})
	assert.Equal(t, 0, len(h.net.conn.written))
}

func TestReleaseEvictsWhenConfigured(t *testing.T) {
	for _, evict := range []bool{false, true} {
		h := newHarnessWith(t, Options{Clock: clockwork.NewFakeClock(), EvictOnRelease: evict})
		accepted := h.accepted(t)
		release, err := h.engine.Subscribe(protocol.GameTopic(3))
		assert.Equal(t, err, nil)
		h.connect(t)
		h.net.conn.expect(t, protocol.ClientMsgSubscribe)
		h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":3},"version":1}`)
		waitFor(t, func() bool { return len(accepted()) == 1 })

		release()
		h.net.conn.expect(t, protocol.ClientMsgUnsubscribe)
		h.onLoop(t, func() {})
		_, ok := h.engine.Read(protocol.GameTopic(3))
		assert.Equal(t, !evict, ok)
	}
}

func TestReleaseDuringResyncDoesNotRestoreState(t *testing.T) {
	h := newHarnessWith(t, Options{Clock: clockwork.NewFakeClock(), EvictOnRelease: true})
	h.net.snapshot = resync.Snapshot{Version: 8, Payload: json.RawMessage(`{"phase":"playing"}`), ETag: `"game-1-v8"`}
	h.net.snapshotGate = make(chan struct{})
	accepted := h.accepted(t)

	release, err := h.engine.Subscribe(protocol.GameTopic(1))
	assert.Equal(t, err, nil)
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":1}`)
	waitFor(t, func() bool { return len(accepted()) == 1 })

	h.net.conn.push(`{"type":"error","code":"forbidden","message":"not seated","topic":{"kind":"game","id":1}}`)
	waitFor(t, func() bool { return len(h.net.snapshotCalls()) == 1 })

	release()
	h.net.conn.expect(t, protocol.ClientMsgUnsubscribe)
	h.onLoop(t, func() {})

	close(h.net.snapshotGate)
	waitFor(t, func() bool { return h.net.fetchedSnapshots() == 1 })
	// let the completion reach the loop
	time.Sleep(20 * time.Millisecond)
	h.onLoop(t, func() {})

	_, ok := h.engine.Read(protocol.GameTopic(1))
	assert.Equal(t, false, ok)
	assert.Equal(t, 1, len(accepted()))
	assert.Equal(t, nil, h.engine.SyncError(protocol.GameTopic(1)))
}

func TestListenersMayReadEngineState(t *testing.T) {
	h := newHarness(t)
	seen := make(chan string, 1)
	assert.Equal(t, h.engine.OnChange(func(state store.VersionedState[json.RawMessage]) {
		current, _ := h.engine.Read(state.Topic)
		_ = h.engine.Pending(state.Topic)
		_, _, _ = h.engine.WaitingGames()
		seen <- h.engine.Status().State.String() + "@" + current.Version.String()
	}), nil)

	_, err := h.engine.Subscribe(protocol.GameTopic(1))
	assert.Equal(t, err, nil)
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":1},"version":2}`)

	select {
	case got := <-seen:
		assert.Equal(t, supervisor.StateConnected.String()+"@2", got)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not run")
	}
}

func TestEvictDropsState(t *testing.T) {
	h := newHarness(t)
	accepted := h.accepted(t)
	_, err := h.engine.Subscribe(protocol.GameTopic(4))
	assert.Equal(t, err, nil)
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":4},"version":2}`)
	waitFor(t, func() bool { return len(accepted()) == 1 })

	assert.Equal(t, h.engine.Evict(protocol.GameTopic(4)), nil)
	waitFor(t, func() bool {
		_, ok := h.engine.Read(protocol.GameTopic(4))
		return !ok
	})

	// still subscribed, so the next push is accepted from scratch
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":4},"version":1}`)
	waitFor(t, func() bool { return len(accepted()) == 2 })
}

func TestClearCacheDropsEveryTopic(t *testing.T) {
	h := newHarness(t)
	accepted := h.accepted(t)
	for _, id := range []int64{5, 6} {
		_, err := h.engine.Subscribe(protocol.GameTopic(id))
		assert.Equal(t, err, nil)
	}
	h.connect(t)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)
	h.net.conn.expect(t, protocol.ClientMsgSubscribe)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":5},"version":1}`)
	h.net.conn.push(`{"type":"game_state","topic":{"kind":"game","id":6},"version":1}`)
	waitFor(t, func() bool { return len(accepted()) == 2 })

	_, err := h.engine.RefreshWaitingGames(context.Background())
	assert.Equal(t, err, nil)

	assert.Equal(t, h.engine.ClearCache(), nil)
	h.onLoop(t, func() {})
	assert.Equal(t, 0, len(h.engine.Topics()))
	_, ok, _ := h.engine.WaitingGames()
	assert.Equal(t, false, ok)
}

func TestYourTurnRefreshesWaitingGames(t *testing.T) {
	h := newHarness(t)
	h.net.waiting = []protocol.WaitingGame{{GameID: 1, Version: 4}}

	var turns atomic.Int64
	assert.Equal(t, h.engine.OnYourTurn(func(gameID, version int64) {
		turns.Store(gameID*100 + version)
	}), nil)
	h.connect(t)

	h.net.conn.push(`{"type":"your_turn","game_id":1,"version":4}`)
	waitFor(t, func() bool { return turns.Load() == 104 })

	games, err := h.engine.RefreshWaitingGames(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, h.net.waiting, games)
}

func TestRejectedMutationRestoresWaitingList(t *testing.T) {
	h := newHarness(t)
	h.net.waiting = []protocol.WaitingGame{{GameID: 1, Version: 4}, {GameID: 2, Version: 9}}
	h.connect(t)

	h.net.conn.push(`{"type":"your_turn","game_id":1,"version":4}`)
	waitFor(t, func() bool {
		games, ok, _ := h.engine.WaitingGames()
		return ok && len(games) == 2 && !h.engine.waiting.InFlight(waitingKey)
	})
	assert.Equal(t, 1, h.net.waitingCalls())

	h.net.submitGate = make(chan struct{})
	h.net.submitErr = &optimistic.MutationError{Kind: optimistic.KindConflict, Err: errors.New("stale")}
	result := make(chan error, 1)
	go func() {
		result <- h.engine.Mutate(context.Background(), optimistic.Request{
			Topic:  protocol.GameTopic(1),
			Action: optimistic.ActionBid,
			Params: json.RawMessage(`{"amount":3}`),
		})
	}()

	waitFor(t, func() bool { return h.engine.Pending(protocol.GameTopic(1)) })
	games, _, _ := h.engine.WaitingGames()
	assert.Equal(t, []protocol.WaitingGame{{GameID: 2, Version: 9}}, games)

	close(h.net.submitGate)
	err := <-result
	assert.Equal(t, true, optimistic.IsKind(err, optimistic.KindConflict))

	games, _, _ = h.engine.WaitingGames()
	assert.Equal(t, 2, len(games))
	assert.Equal(t, 1, h.net.waitingCalls())
	assert.Equal(t, false, h.engine.Pending(protocol.GameTopic(1)))
}

func TestRejectedMutationRefetchesAfterNewerWaitingList(t *testing.T) {
	h := newHarness(t)
	h.net.waiting = []protocol.WaitingGame{{GameID: 5, Version: 1}, {GameID: 6, Version: 2}}
	h.connect(t)

	idleWith := func(n, calls int) func() bool {
		return func() bool {
			games, ok, _ := h.engine.WaitingGames()
			return ok && len(games) == n && !h.engine.waiting.InFlight(waitingKey) && h.net.waitingCalls() == calls
		}
	}

	h.net.conn.push(`{"type":"your_turn","game_id":5,"version":1}`)
	waitFor(t, idleWith(2, 1))

	h.net.mu.Lock()
	h.net.waiting = append(h.net.waiting, protocol.WaitingGame{GameID: 9, Version: 3})
	h.net.mu.Unlock()
	h.net.conn.push(`{"type":"long_wait_invalidated","game_id":9}`)
	waitFor(t, idleWith(3, 2))

	h.net.submitErr = &optimistic.MutationError{Kind: optimistic.KindForbidden, Err: errors.New("not your turn")}
	err := h.engine.Mutate(context.Background(), optimistic.Request{Topic: protocol.GameTopic(5), Action: optimistic.ActionBid})
	assert.Equal(t, true, optimistic.IsKind(err, optimistic.KindForbidden))

	// the your_turn snapshot predates game 9, so the list is fetched again
	waitFor(t, idleWith(3, 3))
	games, _, _ := h.engine.WaitingGames()
	assert.Equal(t, int64(9), games[2].GameID)
}

func TestConfirmedMutationKeepsPrediction(t *testing.T) {
	h := newHarness(t)

	err := h.engine.Mutate(context.Background(), optimistic.Request{
		Topic:  protocol.GameTopic(3),
		Action: optimistic.ActionReady,
		Predict: func(current store.VersionedState[json.RawMessage], ok bool) (json.RawMessage, error) {
			return json.RawMessage(`{"ready":true}`), nil
		},
	})
	assert.Equal(t, err, nil)

	state, ok := h.engine.Read(protocol.GameTopic(3))
	assert.Equal(t, true, ok)
	assert.Equal(t, store.ProvenanceOptimistic, state.Provenance)
	assert.Equal(t, `{"ready":true}`, string(state.Payload))
}

func TestCloseStopsEngine(t *testing.T) {
	net := &fakeNetwork{conn: newFakeConn()}
	e := New(context.Background(), Deps{Tokens: net, Dialer: net, Snapshots: net, Submitter: net, Waiting: net}, Options{})
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	e.Close()
	assert.Equal(t, <-done, nil)
	assert.Equal(t, e.Connect(), loop.ErrStopped)
}

func TestMetricsRecorded(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.net.conn.push(`{"type":"long_wait_invalidated","game_id":3}`)

	err := h.engine.Mutate(context.Background(), optimistic.Request{Topic: protocol.GameTopic(3), Action: "fold"})
	assert.Equal(t, true, optimistic.IsKind(err, optimistic.KindValidation))

	waitFor(t, func() bool {
		frames, _, _ := h.metrics.snapshot()
		return len(frames) == 1
	})
	frames, states, mutations := h.metrics.snapshot()
	assert.Equal(t, []string{"long_wait_invalidated"}, frames)
	assert.Equal(t, []supervisor.State{supervisor.StateConnecting, supervisor.StateAwaitingHandshake, supervisor.StateConnected}, states)
	assert.Equal(t, []string{"fold:validation"}, mutations)
}
