package collab

import "encoding/json"

// MessageType enumerates the room-scoped messages exchanged over a
// collaboration channel.
type MessageType string

const (
	// MessageTypeJoin registers the session to a document room.
	MessageTypeJoin MessageType = "join"
	// MessageTypeLeave removes the session from a document room.
	MessageTypeLeave MessageType = "leave"
	// MessageTypeUpdate carries an encoded convergent-state update.
	MessageTypeUpdate MessageType = "update"
	// MessageTypePresence carries an opaque presence payload, or its removal.
	MessageTypePresence MessageType = "presence"
	// MessageTypeSync carries a full-state encoding, sent once after join.
	MessageTypeSync MessageType = "sync"
	// MessageTypeError carries a non-fatal error notice.
	MessageTypeError MessageType = "error"
)

// Envelope is the wire frame for every collaboration message. Unused fields
// are omitted per message type.
type Envelope struct {
	Type       MessageType     `json:"type"`
	DocumentID string          `json:"document_id,omitempty"`
	Update     []byte          `json:"update,omitempty"`
	Presence   json.RawMessage `json:"presence,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Removed    bool            `json:"removed,omitempty"`
	Message    string          `json:"message,omitempty"`
}
