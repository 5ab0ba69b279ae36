// Package codec converts wire structures to and from message bytes.
//
// Two implementations are provided: [JSON] uses encoding/json and [Sonic]
// uses the bytedance/sonic JIT encoder with standard-library-compatible
// semantics. Both produce interchangeable output, so peers may pick either.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	Name() string
}

// JSON is a [Codec] backed by encoding/json.
type JSON[T any] struct{}

// Name returns "json".
func (JSON[T]) Name() string { return "json" }

// Encode marshals v.
func (JSON[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals data into a new T.
func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: json decode: %w", err)
	}
	return v, nil
}

// Sonic is a [Codec] backed by bytedance/sonic in its standard-compatible
// configuration.
type Sonic[T any] struct{}

// Name returns "sonic".
func (Sonic[T]) Name() string { return "sonic" }

// Encode marshals v.
func (Sonic[T]) Encode(v T) ([]byte, error) {
	b, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: sonic encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals data into a new T.
func (Sonic[T]) Decode(data []byte) (T, error) {
	var v T
	if err := sonic.ConfigStd.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: sonic decode: %w", err)
	}
	return v, nil
}

// ForName returns the codec registered under name. The empty name selects
// [JSON].
func ForName[T any](name string) (Codec[T], error) {
	switch name {
	case "", "json":
		return JSON[T]{}, nil
	case "sonic":
		return Sonic[T]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
