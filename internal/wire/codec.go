package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/openscore/wearsync/internal/game"
	"github.com/openscore/wearsync/internal/roster"
)

// EncodeError reports a payload that could not be serialized. Outbound
// callers see it; it wraps the underlying marshal failure.
type EncodeError struct {
	Kind Kind
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Kind, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports bytes that could not be decoded into a known message.
// Inbound callers drop and log it; it must never reach the surface.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("decode %s payload: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a typed payload under its kind and session into envelope
// bytes. Request kinds take a nil value and produce a type-only envelope.
func Encode(kind Kind, sessionID uuid.UUID, value any) ([]byte, error) {
	env := Envelope{Type: kind, SessionID: sessionID}

	if value != nil {
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, &EncodeError{Kind: kind, Err: err}
		}
		env.Payload = payload
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, &EncodeError{Kind: kind, Err: err}
	}
	return data, nil
}

// Decode parses envelope bytes and returns the envelope together with the
// payload decoded into its matching variant. Request kinds return a nil
// payload. Truncated bytes, an unknown kind, or a payload that does not
// match its tag all return a *DecodeError; Decode never panics.
func Decode(data []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, &DecodeError{Err: err}
	}

	value, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, value, nil
}

func decodePayload(kind Kind, payload json.RawMessage) (any, error) {
	unmarshal := func(v any) (any, error) {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, &DecodeError{Kind: kind, Err: err}
		}
		return v, nil
	}

	switch kind {
	case KindLiveSnapshot:
		return unmarshal(&game.Snapshot{})
	case KindLiveDelta:
		return unmarshal(&game.Delta{})
	case KindRosterSnapshot:
		return unmarshal(&roster.Snapshot{})
	case KindRosterUpsert:
		return unmarshal(&roster.Upsert{})
	case KindRosterPrune:
		return unmarshal(&roster.Prune{})
	case KindHistorySummaries:
		return unmarshal(&[]game.Summary{})
	case KindStartConfig:
		return unmarshal(&game.StartConfig{})
	case KindAck:
		return unmarshal(&Ack{})
	case KindError:
		return unmarshal(&ErrorPayload{})
	case KindStartRequest, KindRosterRequest, KindHistoryRequest, KindLiveStatusRequest:
		return nil, nil
	default:
		return nil, &DecodeError{Kind: kind, Err: fmt.Errorf("unknown message kind %q", string(kind))}
	}
}
