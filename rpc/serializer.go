package rpc

import (
	"encoding/json"

	"github.com/c360/meshrpc/errors"
)

// Payload format indicators carried in message metadata.
const (
	// FormatOpaque marks an unstructured binary payload.
	FormatOpaque byte = 0
	// FormatUTF8 marks a textual payload such as JSON.
	FormatUTF8 byte = 1
)

// Serializer is the payload typing capability: each channel instance is
// parameterized with one, so payload typing is a compile-time property
// rather than runtime inspection.
type Serializer[T any] interface {
	Serialize(value T) ([]byte, error)
	Deserialize(data []byte) (T, error)
	ContentType() string
	PayloadFormat() byte
}

// JSON serializes T as JSON.
type JSON[T any] struct{}

// Serialize implements Serializer.
func (JSON[T]) Serialize(value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Validation(err, "JSON", "Serialize", "marshal payload")
	}
	return data, nil
}

// Deserialize implements Serializer.
func (JSON[T]) Deserialize(data []byte) (T, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return value, errors.Transport(err, "JSON", "Deserialize", "unmarshal payload")
	}
	return value, nil
}

// ContentType implements Serializer.
func (JSON[T]) ContentType() string { return "application/json" }

// PayloadFormat implements Serializer.
func (JSON[T]) PayloadFormat() byte { return FormatUTF8 }

// Raw passes []byte payloads through untouched.
type Raw struct{}

// Serialize implements Serializer.
func (Raw) Serialize(value []byte) ([]byte, error) { return value, nil }

// Deserialize implements Serializer.
func (Raw) Deserialize(data []byte) ([]byte, error) { return data, nil }

// ContentType implements Serializer.
func (Raw) ContentType() string { return "application/octet-stream" }

// PayloadFormat implements Serializer.
func (Raw) PayloadFormat() byte { return FormatOpaque }
