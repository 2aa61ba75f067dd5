package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/scenesync/internal/identity"
	"github.com/manpreetbhatti/scenesync/internal/protocol"
	"github.com/manpreetbhatti/scenesync/internal/ratelimit"
	"github.com/manpreetbhatti/scenesync/internal/room"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

const (
	writeWait      = 10 * time.Second
	historyTimeout = 10 * time.Second

	// CodeRateLimited is the error code sent when a client exceeds its
	// operation budget.
	CodeRateLimited = "RATE_LIMITED"
	// CodeBadMessage is the error code for frames that cannot be decoded.
	CodeBadMessage = "BAD_MESSAGE"

	warnEvery      = 100
	maxRateStrikes = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket session joined to one scene. It is the
// broadcast.Member the document delivers to.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	doc         *room.Document
	send        chan []byte
	session     string
	participant identity.Participant
	limits      *ratelimit.Set
	limiter     *ratelimit.Limiter
	config      Config
	log         *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Client) SessionID() string   { return c.session }
func (c *Client) Participant() string { return c.participant.ID }
func (c *Client) SceneID() string     { return c.doc.ID() }

// Deliver queues msg for the write loop. It never blocks; a full buffer
// reports false and the caller drops the client.
func (c *Client) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close ends the session. The write loop sends a close frame and tears
// the connection down, which in turn ends the read loop.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) reply(typ, requestID string, data any) {
	if !c.Deliver(protocol.MustEncode(typ, requestID, c.doc.ID(), data)) {
		c.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.doc.Leave(c.session)
		c.hub.remove(c)
		c.limits.Release(c.participant.ID)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.doc.Heartbeat(c.session)
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	strikes := 0
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.doc.Heartbeat(c.session)

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.reply(protocol.TypeError, "", protocol.Error{Code: CodeBadMessage, Message: err.Error()})
			continue
		}

		if !c.limiter.AllowN(cost(msg)) {
			strikes++
			if strikes%warnEvery == 1 {
				c.log.Warn("rate limit exceeded", "participant", c.participant.ID, "strikes", strikes)
			}
			if strikes > maxRateStrikes {
				c.log.Warn("disconnecting client for excessive rate limit violations", "participant", c.participant.ID)
				return
			}
			c.reply(protocol.TypeError, msg.RequestID, protocol.Error{Code: CodeRateLimited, Message: "too many operations, slow down"})
			continue
		}

		c.handle(msg)
	}
}

// cost charges a submission one token per operation and anything else a
// single token.
func cost(msg protocol.Message) int {
	if msg.Type != protocol.TypeSubmit {
		return 1
	}
	var s protocol.Submit
	if err := msg.Bind(&s); err != nil || len(s.Operations) == 0 {
		return 1
	}
	return len(s.Operations)
}

func (c *Client) handle(msg protocol.Message) {
	origin := room.Origin{SessionID: c.session, Participant: c.participant.ID, RequestID: msg.RequestID}

	switch msg.Type {
	case protocol.TypeSubmit:
		var s protocol.Submit
		if err := msg.Bind(&s); err != nil {
			c.reply(protocol.TypeRejected, msg.RequestID, protocol.RejectedFrom(scene.Invalid("%v", err)))
			return
		}
		// Replies are sent by the document.
		c.doc.Submit(origin, s.Operations)

	case protocol.TypeLockAcquire, protocol.TypeLockRelease:
		var req protocol.LockRequest
		if err := msg.Bind(&req); err != nil {
			c.reply(protocol.TypeError, msg.RequestID, protocol.Error{Code: CodeBadMessage, Message: err.Error()})
			return
		}
		if msg.Type == protocol.TypeLockAcquire {
			c.doc.AcquireLock(origin, req.Target)
		} else {
			c.doc.ReleaseLock(origin, req.Target)
		}

	case protocol.TypeHistoryFetch:
		var req protocol.HistoryFetch
		if len(msg.Data) > 0 {
			if err := msg.Bind(&req); err != nil {
				c.reply(protocol.TypeError, msg.RequestID, protocol.Error{Code: CodeBadMessage, Message: err.Error()})
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		batches, version, err := c.doc.History(ctx, req.Since)
		cancel()
		if err != nil {
			c.log.Error("history fetch failed", "since", req.Since, "error", err)
			c.reply(protocol.TypeError, msg.RequestID, protocol.ErrorFrom(err))
			return
		}
		c.reply(protocol.TypeHistory, msg.RequestID, protocol.History{Since: req.Since, Version: version, Batches: batches})

	case protocol.TypeHeartbeat:
		// Presence was refreshed on receipt.

	default:
		c.reply(protocol.TypeError, msg.RequestID, protocol.Error{Code: CodeBadMessage, Message: "unknown message type " + msg.Type})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
