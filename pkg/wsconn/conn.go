// Package wsconn is the signaling transport: it frames session.Request/
// session.Reply traffic and events.Bus broadcasts over a gorilla/websocket
// connection.
package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethan/mediabridge-router/pkg/events"
	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/ethan/mediabridge-router/pkg/session"
	"github.com/gorilla/websocket"
)

const (
	sendQueueDepth = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// Upgrader is shared across every incoming signaling connection. Origin
// checking is deliberately permissive here: the devices and browsers this
// server accepts connections from are not same-origin web pages.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one signaling channel: a websocket connection paired with its
// session.Session. ReadPump decodes requests and dispatches them; WritePump
// serializes replies and broadcasts onto the wire; the two never touch the
// connection from more than one goroutine at a time, since gorilla's Conn
// forbids concurrent writers.
type Conn struct {
	ws      *websocket.Conn
	session *session.Session
	bus     *events.Bus
	log     *logger.Logger

	send chan []byte
	done chan struct{}
}

// New wraps ws and sess into a Conn. It does not start any goroutines;
// call Serve to run the pumps until the connection closes.
func New(ws *websocket.Conn, sess *session.Session, bus *events.Bus, log *logger.Logger) *Conn {
	if log == nil {
		log = logger.Default()
	}
	c := &Conn{
		ws:      ws,
		session: sess,
		bus:     bus,
		log:     log,
		send:    make(chan []byte, sendQueueDepth),
		done:    make(chan struct{}),
	}
	return c
}

// Serve runs the connection's read and write pumps until the socket closes
// or ctx is canceled, then runs the session's close cascade. It blocks.
func (c *Conn) Serve(ctx context.Context) {
	sub := c.bus.Subscribe()
	defer sub.Unsubscribe()

	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go c.broadcastPump(writeCtx, sub)
	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close() // unblocks readPump's ReadMessage
		case <-writeCtx.Done():
		}
	}()

	c.readPump(ctx)

	close(c.done)
	c.session.Close(ctx)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.ws.Close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var req session.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.DebugSignaling("discarding unparseable signaling message", "sessionId", c.session.ID, "error", err)
			continue
		}

		reply := c.session.Dispatch(ctx, req)
		out, err := json.Marshal(reply)
		if err != nil {
			c.log.Warn("marshal reply failed", "sessionId", c.session.ID, "error", err)
			continue
		}

		select {
		case c.send <- out:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// broadcastPump forwards every bus event to this connection as a
// server-pushed session.Broadcast, on the same wire as replies.
func (c *Conn) broadcastPump(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b := session.Broadcast{Type: string(ev.Kind), Payload: ev.Payload}
			out, err := json.Marshal(b)
			if err != nil {
				continue
			}
			select {
			case c.send <- out:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// HandleFunc builds an http.HandlerFunc that upgrades the request to a
// websocket and serves one signaling channel for its lifetime, newSession
// minting a fresh session.Session per connection (its id is typically a
// generated correlation id, not tied to the device id until register-device
// arrives).
func HandleFunc(bus *events.Bus, log *logger.Logger, newSession func() *session.Session) http.HandlerFunc {
	if log == nil {
		log = logger.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		sess := newSession()
		conn := New(ws, sess, bus, log)
		conn.Serve(r.Context())
	}
}
