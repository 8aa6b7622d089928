package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
)

type fakeDeepgram struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	query    url.Values
	auth     string
	audio    [][]byte
	control  []string
	conn     *websocket.Conn
	accepted chan struct{}
}

func newFakeDeepgram(t *testing.T) (*fakeDeepgram, *httptest.Server) {
	f := &fakeDeepgram{t: t, accepted: make(chan struct{}, 1)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDeepgram) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.query = r.URL.Query()
	f.auth = r.Header.Get("Authorization")
	f.conn = conn
	f.mu.Unlock()
	f.accepted <- struct{}{}

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		if kind == websocket.BinaryMessage {
			f.audio = append(f.audio, msg)
		} else {
			f.control = append(f.control, string(msg))
		}
		f.mu.Unlock()
	}
}

func (f *fakeDeepgram) send(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (f *fakeDeepgram) snapshot() (audio int, control []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio), append([]string(nil), f.control...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type collector struct {
	mu          sync.Mutex
	transcripts []services.Transcript
	errs        []error
}

func (c *collector) handlers() services.RecognitionHandlers {
	return services.RecognitionHandlers{
		OnTranscript: func(t services.Transcript) {
			c.mu.Lock()
			c.transcripts = append(c.transcripts, t)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
	}
}

func (c *collector) get() ([]services.Transcript, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]services.Transcript(nil), c.transcripts...), append([]error(nil), c.errs...)
}

func TestStreamTranscribes(t *testing.T) {
	fake, srv := newFakeDeepgram(t)
	r := NewRecognizer(STTConfig{APIKey: "dg-key", URL: wsURL(srv), Keywords: []string{"refill", "metformin"}})
	c := &collector{}

	h, err := r.Open(context.Background(), services.RecognitionOptions{CallSID: "CA1", SampleRate: 16000}, c.handlers())
	require.NoError(t, err)
	<-fake.accepted

	fake.mu.Lock()
	assert.Equal(t, "Token dg-key", fake.auth)
	assert.Equal(t, "linear16", fake.query.Get("encoding"))
	assert.Equal(t, "16000", fake.query.Get("sample_rate"))
	assert.Equal(t, "true", fake.query.Get("interim_results"))
	assert.Equal(t, []string{"refill", "metformin"}, fake.query["keywords"])
	fake.mu.Unlock()

	require.NoError(t, h.Send(context.Background(), make([]byte, 3200)))
	require.Eventually(t, func() bool { n, _ := fake.snapshot(); return n == 1 }, time.Second, 5*time.Millisecond)

	fake.send(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"I need a","confidence":0.6}]}}`)
	fake.send(`{"type":"UtteranceEnd"}`)
	fake.send(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" ","confidence":0.1}]}}`)
	fake.send(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"I need a refill","confidence":0.93}]}}`)

	require.Eventually(t, func() bool { ts, _ := c.get(); return len(ts) == 2 }, time.Second, 5*time.Millisecond)
	ts, errs := c.get()
	assert.Equal(t, services.Transcript{Text: "I need a", Confidence: 0.6}, ts[0])
	assert.Equal(t, services.Transcript{Text: "I need a refill", Confidence: 0.93, IsFinal: true}, ts[1])
	assert.Empty(t, errs)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Eventually(t, func() bool {
		_, control := fake.snapshot()
		return len(control) > 0 && strings.Contains(control[len(control)-1], "CloseStream")
	}, time.Second, 5*time.Millisecond)

	err = h.Send(context.Background(), []byte{1})
	assert.ErrorIs(t, err, errdefs.ErrTransport)
	_, errs = c.get()
	assert.Empty(t, errs, "closing locally is not reported as an error")
}

func TestServerDisconnectReportsError(t *testing.T) {
	fake, srv := newFakeDeepgram(t)
	r := NewRecognizer(STTConfig{URL: wsURL(srv)})
	c := &collector{}

	h, err := r.Open(context.Background(), services.RecognitionOptions{CallSID: "CA1"}, c.handlers())
	require.NoError(t, err)
	defer h.Close()
	<-fake.accepted

	fake.mu.Lock()
	fake.conn.Close()
	fake.mu.Unlock()

	require.Eventually(t, func() bool { _, errs := c.get(); return len(errs) == 1 }, time.Second, 5*time.Millisecond)
	_, errs := c.get()
	assert.ErrorIs(t, errs[0], errdefs.ErrTransport)
}

func TestKeepAlive(t *testing.T) {
	fake, srv := newFakeDeepgram(t)
	r := NewRecognizer(STTConfig{URL: wsURL(srv), KeepAlive: 10 * time.Millisecond})

	h, err := r.Open(context.Background(), services.RecognitionOptions{}, services.RecognitionHandlers{})
	require.NoError(t, err)
	defer h.Close()
	<-fake.accepted

	require.Eventually(t, func() bool {
		_, control := fake.snapshot()
		return len(control) >= 2 && strings.Contains(control[0], "KeepAlive")
	}, time.Second, 5*time.Millisecond)
}

func TestOpenFailureIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRecognizer(STTConfig{URL: wsURL(srv)})
	_, err := r.Open(context.Background(), services.RecognitionOptions{}, services.RecognitionHandlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConnection)
	assert.Contains(t, err.Error(), "401")
}

func TestNormalizeEncoding(t *testing.T) {
	assert.Equal(t, "linear16", normalizeEncoding(""))
	assert.Equal(t, "mulaw", normalizeEncoding("PCMU"))
	assert.Equal(t, "opus", normalizeEncoding("opus"))
}
