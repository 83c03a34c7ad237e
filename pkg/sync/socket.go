package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	gosync "sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// serviceConn owns the websocket to the sync service. It performs the
// upgrade handshake at construction and exposes two facilities: send one
// framed request, and a continuous sequence of inbound frames. It performs
// no buffering beyond one frame and never interprets payloads.
//
// The background task is the only caller of send, which keeps the
// connection single-writer without locks.
type serviceConn struct {
	conn    *websocket.Conn
	inbound chan []byte

	done      chan struct{}
	closeOnce gosync.Once
}

// dialService connects and upgrades. Handshake outcomes are terminal: a
// redirect or rejection fails the whole session, and there is no retry at
// this layer.
func dialService(ctx context.Context, endpoint string) (*serviceConn, error) {
	u := url.URL{Scheme: "ws", Host: endpoint, Path: "/"}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			herr := &HandshakeError{StatusCode: resp.StatusCode}
			if resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode < http.StatusBadRequest {
				herr.Location = resp.Header.Get("Location")
			}
			return nil, herr
		}
		return nil, errors.Wrapf(err, "dialing sync service at %s", endpoint)
	}

	c := &serviceConn{
		conn:    conn,
		inbound: make(chan []byte),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop feeds inbound frames until the peer closes or a read fails, then
// closes the inbound channel. It never reconnects.
func (c *serviceConn) readLoop() {
	defer close(c.inbound)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("sync service connection closed")
			}
			return
		}
		select {
		case c.inbound <- frame:
		case <-c.done:
			return
		}
	}
}

// send serializes req and writes it as one text frame.
func (c *serviceConn) send(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return &SendError{Cause: errors.Wrap(err, "encoding request")}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SendError{Cause: err}
	}
	return nil
}

func (c *serviceConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
