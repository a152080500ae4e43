package supervisor

import (
	"github.com/rs/zerolog/log"
)

// session is one open connection, scoped to the generation that dialed it
type session struct {
	generation uint64
	attemptID  string
	conn       Conn
	send       chan []byte
}

func (s *Supervisor) startSession(gen uint64, attemptID string, conn Conn) *session {
	sess := &session{
		generation: gen,
		attemptID:  attemptID,
		conn:       conn,
		send:       make(chan []byte, s.cfg.SendBufferSize),
	}
	go s.readPump(sess)
	go s.writePump(sess)
	return sess
}

// readPump forwards inbound frames to the loop until the connection fails
func (s *Supervisor) readPump(sess *session) {
	for {
		data, err := sess.conn.ReadMessage()
		if err != nil {
			s.loop.Post(func() {
				s.onClosed(sess.generation, err)
			})
			return
		}
		s.loop.Post(func() {
			s.onFrame(sess.generation, data)
		})
	}
}

// writePump is the only writer of the connection
func (s *Supervisor) writePump(sess *session) {
	for data := range sess.send {
		if err := sess.conn.WriteMessage(data); err != nil {
			log.Debug().
				Err(err).
				Str("attempt_id", sess.attemptID).
				Msg("failed to write frame")
			_ = sess.conn.Close()
			s.loop.Post(func() {
				s.onClosed(sess.generation, &TransportError{Op: "write", Err: err})
			})
			return
		}
	}
}

// teardownSession closes the current connection. Must run on the loop. Once
// the session is detached, errors its pumps observe are expected and dropped.
func (s *Supervisor) teardownSession() {
	s.handshakeTimer.Stop()
	s.handshakeTimer = nil

	sess := s.session
	if sess == nil {
		return
	}
	s.session = nil
	close(sess.send)
	if err := sess.conn.Close(); err != nil {
		log.Debug().Err(err).Str("attempt_id", sess.attemptID).Msg("error closing connection")
	}
}
