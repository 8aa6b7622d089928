package serializers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/frames"
)

func TestTwilioDeserializeStart(t *testing.T) {
	s := NewTwilioFrameSerializer("", "")
	msg := `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},"customParameters":{"from":"+15551234567"}}}`

	f, err := s.Deserialize(msg)
	require.NoError(t, err)

	start, ok := f.(*frames.StartFrame)
	require.True(t, ok)
	assert.Equal(t, "MZ1", start.StreamSID)
	assert.Equal(t, "CA1", start.CallSID)
	assert.Equal(t, 8000, start.MediaFormat.SampleRate)
	assert.Equal(t, "+15551234567", start.CallerAddress())
	assert.Equal(t, "CA1", s.GetCallSid())
}

func TestTwilioDeserializeMedia(t *testing.T) {
	s := NewTwilioFrameSerializer("MZ1", "CA1")

	f, err := s.Deserialize([]byte(`{"event":"media","sequenceNumber":"7","streamSid":"MZ1","media":{"track":"inbound","chunk":"5","timestamp":"100","payload":"//8="}}`))
	require.NoError(t, err)

	media, ok := f.(*frames.MediaFrame)
	require.True(t, ok)
	assert.Equal(t, int64(7), media.Sequence)
	assert.Equal(t, int64(5), media.Chunk)
	assert.Equal(t, int64(100), media.Timestamp)
	assert.Equal(t, frames.CodecMulaw, media.Codec)
	assert.Equal(t, "//8=", media.Payload)
}

func TestTwilioDeserializeNumericSequence(t *testing.T) {
	s := NewTwilioFrameSerializer("MZ1", "CA1")

	f, err := s.Deserialize(`{"event":"media","sequenceNumber":42,"media":{"payload":"AA=="}}`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), f.(*frames.MediaFrame).Sequence)
}

func TestTwilioDeserializeErrors(t *testing.T) {
	s := NewTwilioFrameSerializer("MZ1", "CA1")

	tests := []struct {
		name string
		in   interface{}
	}{
		{"malformed json", `{"event":"media",`},
		{"media without body", `{"event":"media"}`},
		{"bad sequence", `{"event":"media","sequenceNumber":"x","media":{"payload":""}}`},
		{"wrong type", 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Deserialize(tt.in)
			assert.ErrorIs(t, err, errdefs.ErrDecode)
		})
	}
}

func TestTwilioDeserializeLifecycle(t *testing.T) {
	s := NewTwilioFrameSerializer("MZ1", "CA1")

	f, err := s.Deserialize(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)
	require.NoError(t, err)
	assert.IsType(t, &frames.StopFrame{}, f)

	f, err = s.Deserialize(`{"event":"mark","streamSid":"MZ1","mark":{"name":"chunk-1"}}`)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1", f.(*frames.MarkFrame).Mark)

	f, err = s.Deserialize(`{"event":"dtmf","dtmf":{"digit":"5"}}`)
	require.NoError(t, err)
	assert.Equal(t, "5", f.(*frames.DTMFFrame).Digit)

	f, err = s.Deserialize(`{"event":"connected","protocol":"Call"}`)
	require.NoError(t, err)
	assert.Nil(t, f)
}
