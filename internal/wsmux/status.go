package wsmux

import "encoding/json"

// StatusInfo is the payload sent as a "status" envelope to every newly
// connected client, describing the daemon's current readiness.
type StatusInfo struct {
	Connected     bool `json:"connected"`
	HasAPIKey     bool `json:"hasApiKey"`
	ToolCount     int  `json:"toolCount"`
	DaemonVersion string
}

// NewStatusEnvelope builds the startup status envelope for a new client.
func NewStatusEnvelope(info StatusInfo) Envelope {
	field := func(v any) json.RawMessage {
		data, _ := json.Marshal(v)
		return data
	}
	return Envelope{
		Type: "status",
		Metadata: map[string]json.RawMessage{
			"connected":     field(info.Connected),
			"hasApiKey":     field(info.HasAPIKey),
			"toolCount":     field(info.ToolCount),
			"daemonVersion": field(info.DaemonVersion),
		},
	}
}

// SendStatus delivers a status envelope directly to one client, bypassing
// the broadcast fan-out since it only ever targets the client that just
// connected.
func (m *Mux) SendStatus(client *Client, info StatusInfo) {
	m.deliverOne(client, NewStatusEnvelope(info))
}
