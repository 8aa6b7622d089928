package security

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
)

const secret = "0123456789abcdef"

func TestSessionToken(t *testing.T) {
	assert.Equal(t, "session_CA1_01234567", SessionToken("CA1", secret))
	assert.Equal(t, "session_CA1_abc", SessionToken("CA1", "abc"))
}

func TestValidateSessionToken(t *testing.T) {
	tests := []struct {
		name    string
		callSID string
		token   string
		ok      bool
	}{
		{"valid", "CA1", "session_CA1_01234567", true},
		{"other call", "CA2", "session_CA1_01234567", false},
		{"wrong secret", "CA1", "session_CA1_76543210", false},
		{"empty token", "CA1", "", false},
		{"empty call", "", "session__01234567", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionToken(tt.callSID, tt.token, secret)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errdefs.ErrAuth)
			}
		})
	}
}

func TestMediaStreamURL(t *testing.T) {
	u, err := url.Parse(MediaStreamURL("https://agent.example.com/", "CA1", "session_CA1_01234567"))
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "agent.example.com", u.Host)
	assert.Equal(t, "/twilio/media", u.Path)
	assert.Equal(t, "CA1", u.Query().Get("callSid"))
	assert.Equal(t, "session_CA1_01234567", u.Query().Get("token"))
}

func TestURLSigner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewURLSigner(secret, "https://agent.example.com", 5*time.Minute)
	s.now = func() time.Time { return now }

	signed := s.Sign("tts/CA1/job.mp3")
	require.True(t, strings.HasPrefix(signed, "https://agent.example.com/static/tts/CA1/job.mp3?"))

	u, err := url.Parse(signed)
	require.NoError(t, err)
	expires, sig := u.Query().Get("expires"), u.Query().Get("signature")

	assert.True(t, s.Verify("tts/CA1/job.mp3", expires, sig))
	assert.False(t, s.Verify("tts/CA2/job.mp3", expires, sig), "signature bound to path")
	assert.False(t, s.Verify("tts/CA1/job.mp3", "1700000001", sig), "signature bound to expiry")
	assert.False(t, s.Verify("tts/CA1/job.mp3", "soon", sig))

	now = now.Add(6 * time.Minute)
	assert.False(t, s.Verify("tts/CA1/job.mp3", expires, sig), "expired")
}
