package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/alimasry/collab-ot/session"
	"github.com/alimasry/collab-ot/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

// reasonRateLimited is sent when a connection exceeds its operation budget.
const reasonRateLimited session.RejectReason = "rate_limited"

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Name  string
	Color string

	manager *session.Manager
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	// The document this client is currently in ("" if not joined).
	mu    sync.Mutex
	docID string
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	colors     = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func newClient(manager *session.Manager, conn *websocket.Conn, limiter *rate.Limiter, logger *slog.Logger) *Client {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	id := uuid.NewString()
	return &Client{
		ID:      id,
		Name:    adjectives[r.Intn(len(adjectives))] + " " + animals[r.Intn(len(animals))],
		Color:   colors[r.Intn(len(colors))],
		manager: manager,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: limiter,
		logger:  logger.With("client_id", id),
	}
}

// Peer implements session.Subscriber.
func (c *Client) Peer() session.Peer {
	return session.Peer{ID: c.ID, Name: c.Name, Color: c.Color}
}

// Notify implements session.Subscriber. The client's own operations arrive
// as acks instead.
func (c *Client) Notify(n session.Notification) {
	switch n.Kind {
	case session.NotifyState:
		c.sendMsg(docMessage(n.State))
	case session.NotifyOperation:
		if n.Accepted.Operation.AuthorID == c.ID {
			return
		}
		c.sendMsg(opMessage(n.Accepted))
	case session.NotifyJoin:
		c.sendMsg(ServerMessage{Type: MsgJoin, ClientID: n.Peer.ID, Name: n.Peer.Name, Color: n.Peer.Color})
	case session.NotifyLeave:
		c.sendMsg(ServerMessage{Type: MsgLeave, ClientID: n.Peer.ID})
	}
}

func (c *Client) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		c.leave()
		// No session delivers to c after leave, so send can be closed.
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format", session.ReasonInvalidOperation)
			continue
		}

		switch msg.Type {
		case MsgJoin:
			c.handleJoin(msg.DocID)
		case MsgOp:
			c.handleOp(msg)
		case MsgLeave:
			c.leave()
		default:
			c.sendError("unknown message type: "+msg.Type, session.ReasonInvalidOperation)
		}
	}
}

func (c *Client) handleJoin(docID string) {
	if docID == "" {
		c.sendError("missing document id", session.ReasonInvalidOperation)
		return
	}
	c.leave()

	ctx := context.Background()
	// Joining an unknown document creates it empty.
	if err := c.manager.Create(ctx, docID, "", c.ID); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		c.logger.Error("create document failed", "content_id", docID, "err", err)
		c.sendError("failed to create document", session.Reason(err))
		return
	}

	// The session sends the doc message itself, ahead of any later op.
	if _, err := c.manager.Join(ctx, docID, c); err != nil {
		c.logger.Error("join failed", "content_id", docID, "err", err)
		c.sendError("failed to load document", session.Reason(err))
		return
	}
	c.mu.Lock()
	c.docID = docID
	c.mu.Unlock()
}

func (c *Client) handleOp(msg ClientMessage) {
	docID := c.joined()
	if docID == "" {
		c.sendError("not joined to a document", session.ReasonUnknownDocument)
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError("rate limit exceeded", reasonRateLimited)
		return
	}

	op := msg.Op
	op.AuthorID = c.ID
	op.BaseVersion = msg.Revision
	if op.ContentID == "" {
		op.ContentID = docID
	}

	acc, err := c.manager.Submit(context.Background(), op)
	if err != nil {
		c.sendError(err.Error(), session.Reason(err))
		return
	}
	c.sendMsg(ackMessage(acc))
}

func (c *Client) leave() {
	c.mu.Lock()
	docID := c.docID
	c.docID = ""
	c.mu.Unlock()
	if docID == "" {
		return
	}
	if err := c.manager.Leave(context.Background(), docID, c.ID); err != nil {
		c.logger.Warn("leave failed", "content_id", docID, "err", err)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	default:
		// Client too slow, drop message.
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
	}
}

func (c *Client) sendError(message string, reason session.RejectReason) {
	c.sendMsg(errorMessage(message, reason))
}
