package realtime_client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/tablesync/go/clients"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/rs/zerolog/log"
)

// Dial opens the realtime socket authenticated with a realtime token
func (c *RealtimeClient) Dial(ctx context.Context, token string) (supervisor.Conn, error) {
	u := c.wsURL + "?" + url.Values{TokenParam: {token}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial realtime socket: %w", &clients.APIError{StatusCode: resp.StatusCode, Body: err.Error()})
		}
		return nil, fmt.Errorf("failed to dial realtime socket: %w", err)
	}

	return newWSConn(conn, c.config), nil
}

// wsConn adapts a gorilla connection to supervisor.Conn. The supervisor
// guarantees a single reader and a single writer; keepalive pings go out as
// control frames, which gorilla allows concurrently with writes.
type wsConn struct {
	conn   *websocket.Conn
	config ConnectionConfig

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, config ConnectionConfig) *wsConn {
	c := &wsConn{
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}

	conn.SetReadLimit(config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.ReadTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(config.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.keepalive()
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Debug().Err(err).Msg("unexpected realtime socket close")
		}
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout),
		)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				log.Debug().Err(err).Msg("failed to send ping, closing realtime socket")
				// unblocks the reader, which reports the failure
				_ = c.conn.Close()
				return
			}
		}
	}
}
