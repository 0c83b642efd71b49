package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/golang/snappy"
)

// Codec serializes cache values for storage backends that hold bytes.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec serializes values as JSON. It is the default codec: slower than
// gob but readable when poking at keys directly.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := json.Unmarshal(data, &value)
	return value, err
}

// GobCodec serializes values with encoding/gob. Compact and fast for
// Go-to-Go traffic, at the cost of being opaque on the wire.
type GobCodec[T any] struct{}

// Encode implements Codec.
func (GobCodec[T]) Encode(value T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (GobCodec[T]) Decode(data []byte) (T, error) {
	var value T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&value)
	return value, err
}

// SnappyCodec compresses another codec's output with snappy. Worth it for
// bulky values like full seat snapshots; a waste for short records.
type SnappyCodec[T any] struct {
	Inner Codec[T]
}

func (c SnappyCodec[T]) inner() Codec[T] {
	if c.Inner != nil {
		return c.Inner
	}
	return JSONCodec[T]{}
}

// Encode implements Codec.
func (c SnappyCodec[T]) Encode(value T) ([]byte, error) {
	data, err := c.inner().Encode(value)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

// Decode implements Codec.
func (c SnappyCodec[T]) Decode(data []byte) (T, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.inner().Decode(raw)
}
