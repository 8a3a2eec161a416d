package server

import (
	"encoding/json"

	"github.com/alimasry/collab-ot/ot"
	"github.com/alimasry/collab-ot/session"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin  = "join"
	MsgLeave = "leave"
	MsgOp    = "op"
	MsgAck   = "ack"
	MsgDoc   = "doc"
	MsgError = "error"
)

// ClientMessage is a message from client to server. For ops, Revision is the
// version the client last saw and becomes the operation's base version.
type ClientMessage struct {
	Type     string       `json:"type"`
	DocID    string       `json:"docId,omitempty"`
	Revision int          `json:"revision"`
	Op       ot.Operation `json:"op,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type     string         `json:"type"`
	DocID    string         `json:"docId,omitempty"`
	Content  string         `json:"content"`
	Revision int            `json:"revision"`
	Op       *ot.Operation  `json:"op,omitempty"`
	ClientID string         `json:"clientId,omitempty"`
	Name     string         `json:"name,omitempty"`
	Color    string         `json:"color,omitempty"`
	Message  string         `json:"message,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Clients  []session.Peer `json:"clients,omitempty"`
	Cursors  ot.Cursors     `json:"cursors,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func docMessage(st session.State) ServerMessage {
	return ServerMessage{
		Type:     MsgDoc,
		DocID:    st.ContentID,
		Content:  st.Text,
		Revision: st.Version,
		Clients:  st.Peers,
		Cursors:  st.Cursors,
	}
}

func opMessage(acc ot.Accepted) ServerMessage {
	op := acc.Operation
	return ServerMessage{
		Type:     MsgOp,
		DocID:    op.ContentID,
		Revision: acc.Version,
		Op:       &op,
		ClientID: op.AuthorID,
	}
}

func ackMessage(acc ot.Accepted) ServerMessage {
	op := acc.Operation
	return ServerMessage{
		Type:     MsgAck,
		DocID:    op.ContentID,
		Revision: acc.Version,
		Op:       &op,
	}
}

func errorMessage(message string, reason session.RejectReason) ServerMessage {
	return ServerMessage{Type: MsgError, Message: message, Reason: string(reason)}
}
