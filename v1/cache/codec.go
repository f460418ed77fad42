package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/mirkobrombin/go-tether/v1/task"
)

// Codec encodes the body a durable store keeps per record.
type Codec interface {
	Encode(r task.Record) ([]byte, error)
	Decode(data []byte) (task.Record, error)
}

// JSONCodec stores records in their wire form. Origin is not kept.
type JSONCodec struct{}

func (JSONCodec) Encode(r task.Record) ([]byte, error) { return json.Marshal(r) }

func (JSONCodec) Decode(data []byte) (task.Record, error) {
	var r task.Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// GobCodec stores every field, Origin included.
type GobCodec struct{}

func (GobCodec) Encode(r task.Record) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(r); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (task.Record, error) {
	var r task.Record
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}
