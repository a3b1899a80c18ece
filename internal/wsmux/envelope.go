// Package wsmux accepts WebSocket clients, decodes/encodes the envelope
// protocol, and multiplexes sends with per-client fault isolation.
// Grounded on a websocket gateway's connection/session shape
// (gorilla/websocket.Upgrader, per-connection send channel, read/write
// loop split, ping/pong deadlines) and a collect-errors-continue-with-
// others fault isolation idiom, applied here to WebSocket client fan-out
// rather than broadcast groups.
package wsmux

import "encoding/json"

// Envelope is the wire shape exchanged with every client.
type Envelope struct {
	Type           string                     `json:"type"`
	ID             string                     `json:"id,omitempty"`
	ConversationID string                     `json:"conversationId,omitempty"`
	Content        string                     `json:"content,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
}

// Error envelope codes.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
)

// NewErrorEnvelope builds a server-to-client error envelope.
func NewErrorEnvelope(code, message string) Envelope {
	data, _ := json.Marshal(message)
	return Envelope{
		Type: "error",
		Metadata: map[string]json.RawMessage{
			"code":    json.RawMessage(`"` + code + `"`),
			"message": data,
		},
	}
}
