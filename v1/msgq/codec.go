package msgq

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
)

// Codec turns typed messages into queue records and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// GobCodec encodes messages with encoding/gob. It is the default.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// JSONCodec encodes messages with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ByteCodec passes []byte messages through untouched.
type ByteCodec struct{}

func (ByteCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, fmt.Errorf("byte codec: %T is not []byte: %w", v, rterrors.ErrInvalidArgument)
}

func (ByteCodec) Unmarshal(data []byte, v any) error {
	if p, ok := v.(*[]byte); ok {
		*p = append((*p)[:0], data...)
		return nil
	}
	return fmt.Errorf("byte codec: %T is not *[]byte: %w", v, rterrors.ErrInvalidArgument)
}
