package wire

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindLiveSnapshot      Kind = "liveSnapshot"
	KindLiveDelta         Kind = "liveDelta"
	KindRosterSnapshot    Kind = "rosterSnapshot"
	KindRosterUpsert      Kind = "rosterUpsert"
	KindRosterPrune       Kind = "rosterPrune"
	KindHistorySummaries  Kind = "historySummaries"
	KindStartConfig       Kind = "startConfig"
	KindStartRequest      Kind = "startRequest"
	KindRosterRequest     Kind = "rosterRequest"
	KindHistoryRequest    Kind = "historyRequest"
	KindLiveStatusRequest Kind = "liveStatusRequest"
	KindAck               Kind = "ack"
	KindError             Kind = "error"
)

// IsRequest reports whether the kind is a type-only request that carries no
// payload.
func (k Kind) IsRequest() bool {
	switch k {
	case KindStartRequest, KindRosterRequest, KindHistoryRequest, KindLiveStatusRequest:
		return true
	}
	return false
}

// Envelope is the outer wire structure for every message between the peers.
// SessionID partitions logical streams across reconnects; the payload is
// decodable only under its matching type tag.
type Envelope struct {
	Type      Kind            `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Ack acknowledges receipt of a message of the given kind.
type Ack struct {
	AckedType Kind `json:"acked_type"`
}

// ErrorPayload reports a peer-side failure back to the sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
