package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
)

func TestPlayTwiML(t *testing.T) {
	c := NewController(Config{})
	got := c.PlayTwiML("https://agent.example.com/static/tts/CA1/a.mp3?expires=1&signature=ab")

	assert.True(t, strings.HasPrefix(got, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, got, `<Gather input="speech" timeout="5" speechTimeout="auto" bargeIn="true" language="en-US" hints="`+DefaultHints+`">`)
	assert.Contains(t, got, `<Play>https://agent.example.com/static/tts/CA1/a.mp3?expires=1&amp;signature=ab</Play>`)
	assert.Contains(t, got, `</Gather><Pause length="60"></Pause></Response>`)
}

func TestSayTwiMLEscapesText(t *testing.T) {
	c := NewController(Config{RedirectURL: "/twilio/gather", GatherAction: "/twilio/gather"})
	got := c.SayTwiML("Tom & Jerry's <refill>")

	assert.Contains(t, got, `action="/twilio/gather" method="POST"`)
	assert.Contains(t, got, `<Say voice="Polly.Joanna-Neural">Tom &amp; Jerry&#39;s &lt;refill&gt;</Say>`)
	assert.Contains(t, got, `<Redirect>/twilio/gather</Redirect>`)
}

func TestStopTwiMLKeepsCallOpen(t *testing.T) {
	c := NewController(Config{})
	got := c.StopTwiML()

	assert.Contains(t, got, `<Gather input="speech" timeout="5" speechTimeout="auto" bargeIn="true" language="en-US" hints="`+DefaultHints+`"></Gather>`)
	assert.Contains(t, got, `</Gather><Pause length="60"></Pause></Response>`)
	assert.NotContains(t, got, "<Play>")
	assert.NotContains(t, got, "<Hangup>")

	c = NewController(Config{RedirectURL: "/twilio/gather"})
	assert.Contains(t, c.StopTwiML(), `</Gather><Redirect>/twilio/gather</Redirect></Response>`)
}

func TestHangupAndStreamTwiML(t *testing.T) {
	c := NewController(Config{Voice: "alice"})
	assert.Contains(t, c.HangupTwiML("Goodbye."), `<Say voice="alice">Goodbye.</Say><Hangup></Hangup>`)
	assert.Contains(t, c.StreamTwiML("wss://agent.example.com/twilio/media?callSid=CA1", ""),
		`<Start><Stream url="wss://agent.example.com/twilio/media?callSid=CA1"></Stream></Start>`)
}

func TestUpdateCall(t *testing.T) {
	var gotPath, gotTwiml, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		assert.NoError(t, r.ParseForm())
		gotTwiml = r.PostForm.Get("Twiml")
		w.Write([]byte(`{"sid":"CA1","status":"in-progress"}`))
	}))
	defer srv.Close()

	c := NewController(Config{AccountSID: "AC1", AuthToken: "secret", APIBase: srv.URL})
	require.NoError(t, c.StopPlayback(context.Background(), "CA1"))

	assert.Equal(t, "/2010-04-01/Accounts/AC1/Calls/CA1.json", gotPath)
	assert.Equal(t, "AC1", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, c.StopTwiML(), gotTwiml)
	assert.Contains(t, gotTwiml, `<Pause length="60">`)
}

func TestUpdateCallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21220,"message":"Call is not in-progress. Cannot redirect."}`))
	}))
	defer srv.Close()

	c := NewController(Config{AccountSID: "AC1", APIBase: srv.URL})
	err := c.Say(context.Background(), "CA1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTransport)

	var apiErr *errdefs.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "21220")
	assert.False(t, apiErr.Retryable())
}
