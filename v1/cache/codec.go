package cache

import (
	"encoding/json"
	stdErrors "errors"
)

// Codec defines methods for encoding and decoding values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// StringCodec stores strings verbatim, readable by any store client.
type StringCodec struct{}

func (StringCodec) Marshal(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return nil, stdErrors.New("StringCodec: value is not string")
}

func (StringCodec) Unmarshal(data []byte, v any) error {
	if ptr, ok := v.(*string); ok {
		*ptr = string(data)
		return nil
	}
	return stdErrors.New("StringCodec: v is not *string")
}

// ByteCodec implements Codec for raw byte slices.
// It fails if the value is not []byte.
type ByteCodec struct{}

func (ByteCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, stdErrors.New("ByteCodec: value is not []byte")
}

func (ByteCodec) Unmarshal(data []byte, v any) error {
	if ptr, ok := v.(*[]byte); ok {
		*ptr = data
		return nil
	}
	return stdErrors.New("ByteCodec: v is not *[]byte")
}
