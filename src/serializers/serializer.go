package serializers

import (
	"github.com/square-key-labs/pharmacy-voice-agent/src/frames"
)

// SerializerType defines the serialization format type
type SerializerType string

const (
	SerializerTypeBinary SerializerType = "binary"
	SerializerTypeText   SerializerType = "text"
)

// FrameDeserializer turns protocol messages read off a media connection into
// frames. Implementations return (nil, nil) for events they deliberately ignore
// and an errdefs.ErrDecode error for malformed input.
type FrameDeserializer interface {
	// Type returns the serialization type (binary or text)
	Type() SerializerType

	// Deserialize converts one message to a frame.
	// Accepts either string or []byte depending on serializer type
	Deserialize(data interface{}) (frames.Frame, error)
}
