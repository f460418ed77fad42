package task

import (
	"encoding/json"
	"time"
)

// MessageType names a push channel envelope.
type MessageType string

const (
	MessageInitial     MessageType = "initial"
	MessageSync        MessageType = "sync"
	MessagePing        MessageType = "ping"
	MessagePong        MessageType = "pong"
	MessageRequestSync MessageType = "request_sync"
)

// Envelope is the JSON frame exchanged on the push channel. Data carries a
// Snapshot for initial and sync messages and is absent otherwise.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope of type t stamped with now. A nil snap
// leaves Data empty.
func NewEnvelope(t MessageType, snap *Snapshot, now time.Time) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: now}
	if snap != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = data
	}
	return env, nil
}

// UnmarshalJSON implements json.Unmarshaler. The timestamp may lack a zone
// offset; see ParseTime.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w struct {
		Type      MessageType     `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp lenientTime     `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{Type: w.Type, Data: w.Data, Timestamp: time.Time(w.Timestamp)}
	return nil
}

// Snapshot decodes the envelope payload.
func (e Envelope) Snapshot() (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
