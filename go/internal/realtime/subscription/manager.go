// Package subscription tracks ref-counted topic interest on top of the
// connection supervisor. Subscriptions are connection scoped server-side, so
// every desired topic is re-issued after each handshake.
package subscription

import (
	"slices"

	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/rs/zerolog/log"
)

// ackSubscribed is the ack message answering a subscribe frame
const ackSubscribed = "subscribed"

// Sender is the part of the supervisor the manager needs
type Sender interface {
	Send(msg protocol.ClientMsg) error
	Connected() bool
}

// Manager must only be used from the event loop
type Manager struct {
	sender Sender
	refs   map[protocol.Topic]int

	// outstanding subscribe frames in send order. The server answers each
	// with an ack or an error that does not name the topic.
	pending []protocol.Topic
}

func NewManager(sender Sender) *Manager {
	return &Manager{
		sender: sender,
		refs:   make(map[protocol.Topic]int),
	}
}

// Acquire adds one reference to topic. The subscribe frame is sent on the
// 0→1 transition when connected; otherwise the next handshake sends it.
func (m *Manager) Acquire(topic protocol.Topic) {
	m.refs[topic]++
	if m.refs[topic] != 1 {
		return
	}
	log.Debug().Str("topic", topic.String()).Msg("topic interest added")
	if m.sender.Connected() {
		m.subscribe(topic)
	}
}

// Release drops one reference. The unsubscribe frame is sent on the 1→0
// transition. Releasing an unknown topic is a no-op.
func (m *Manager) Release(topic protocol.Topic) {
	count, ok := m.refs[topic]
	if !ok {
		return
	}
	if count > 1 {
		m.refs[topic] = count - 1
		return
	}

	delete(m.refs, topic)
	log.Debug().Str("topic", topic.String()).Msg("topic interest dropped")
	if m.sender.Connected() {
		if err := m.sender.Send(protocol.Unsubscribe(topic)); err != nil {
			log.Warn().Err(err).Str("topic", topic.String()).Msg("failed to send unsubscribe")
		}
	}
}

// Count returns the number of references held on topic
func (m *Manager) Count(topic protocol.Topic) int {
	return m.refs[topic]
}

// Desired returns every topic with at least one reference, in a stable order
func (m *Manager) Desired() []protocol.Topic {
	topics := make([]protocol.Topic, 0, len(m.refs))
	for topic := range m.refs {
		topics = append(topics, topic)
	}
	slices.SortFunc(topics, compareTopics)
	return topics
}

// Wanted reports whether anyone still holds interest in topic
func (m *Manager) Wanted(topic protocol.Topic) bool {
	return m.refs[topic] > 0
}

// OnHandshake re-issues every desired subscription on a fresh connection
func (m *Manager) OnHandshake() {
	m.pending = m.pending[:0]
	desired := m.Desired()
	for _, topic := range desired {
		if !m.subscribe(topic) {
			return
		}
	}
	if len(desired) > 0 {
		log.Info().Int("topics", len(desired)).Msg("resubscribed after handshake")
	}
}

// HandleAck consumes an ack frame. It returns the topic a subscribe ack
// answers, if any.
func (m *Manager) HandleAck(msg protocol.ServerMsg) (protocol.Topic, bool) {
	if msg.Message != ackSubscribed {
		return protocol.Topic{}, false
	}
	return m.popPending()
}

// HandleError attributes an error frame to a topic: the topic it names, or
// else the oldest subscribe still waiting for an answer.
func (m *Manager) HandleError(msg protocol.ServerMsg) (protocol.Topic, bool) {
	if msg.Topic != nil {
		if i := slices.Index(m.pending, *msg.Topic); i >= 0 {
			m.pending = slices.Delete(m.pending, i, i+1)
		}
		return *msg.Topic, true
	}
	return m.popPending()
}

func (m *Manager) subscribe(topic protocol.Topic) bool {
	if err := m.sender.Send(protocol.Subscribe(topic)); err != nil {
		log.Warn().Err(err).Str("topic", topic.String()).Msg("failed to send subscribe")
		return false
	}
	m.pending = append(m.pending, topic)
	return true
}

func (m *Manager) popPending() (protocol.Topic, bool) {
	if len(m.pending) == 0 {
		return protocol.Topic{}, false
	}
	topic := m.pending[0]
	m.pending = m.pending[1:]
	return topic, true
}

func compareTopics(a, b protocol.Topic) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
