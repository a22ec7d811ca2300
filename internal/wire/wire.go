// Package wire defines the JSON frame exchanged over websocket connections.
package wire

import (
	"encoding/json"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Error is the payload of an "error" frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Push frame types sent by the server without a request.
const (
	TypeAck                = "ack"
	TypeError              = "error"
	TypeOfferCreated       = "offer.created"
	TypeOfferAccepted      = "offer.accepted"
	TypeOfferRejected      = "offer.rejected"
	TypeOfferExpired       = "offer.expired"
	TypeOfferUndeliverable = "offer.undeliverable"
	TypeMessage            = "message"
	TypePresenceChanged    = "presence.changed"
)

// Encode marshals a frame. Payloads are plain structs, so marshalling only
// fails on programmer error; the frame is then sent without a payload.
func Encode(typ, requestID string, payload any) []byte {
	f := Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			f.Payload = raw
		}
	}
	data, _ := json.Marshal(f)
	return data
}

// Push encodes an unsolicited frame.
func Push(typ string, payload any) []byte {
	return Encode(typ, "", payload)
}
