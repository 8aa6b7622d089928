package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/security"
)

func TestEstimateDuration(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Duration
	}{
		{"floor of one second", "Okay.", time.Second},
		{"short text by characters", "Your refill is ready for pickup.", 3200 * time.Millisecond},
		{"long text by words", strings.Repeat("word ", 75), 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateDuration(tt.text))
		})
	}
}

func TestSynthesizeWritesSignedFile(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "mp3_22050_32", r.URL.Query().Get("output_format"))
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte("ID3-fake-mp3"))
	}))
	defer srv.Close()

	root := t.TempDir()
	files, err := NewFileStore(root)
	require.NoError(t, err)
	signer := security.NewURLSigner("0123456789abcdef", "https://agent.example.com", 5*time.Minute)
	s := NewSynthesizer(TTSConfig{APIKey: "el-key", BaseURL: srv.URL, VoiceID: "voice-1", Signer: signer, Stability: 0.5}, files)

	res, err := s.Synthesize(context.Background(), "CA1", "Your refill is ready.")
	require.NoError(t, err)

	assert.Equal(t, "Your refill is ready.", gotBody["text"])
	assert.Equal(t, DefaultModel, gotBody["model_id"])
	assert.Equal(t, 2100*time.Millisecond, res.EstimatedDuration)

	u, err := url.Parse(res.PlayableRef)
	require.NoError(t, err)
	assert.Equal(t, "agent.example.com", u.Host)
	require.True(t, strings.HasPrefix(u.Path, "/static/tts/CA1/"))
	assert.True(t, strings.HasSuffix(u.Path, ".mp3"))

	rel := strings.TrimPrefix(u.Path, "/static/")
	assert.True(t, signer.Verify(rel, u.Query().Get("expires"), u.Query().Get("signature")))

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, "ID3-fake-mp3", string(data))
}

func TestSynthesizeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	files, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := NewSynthesizer(TTSConfig{BaseURL: srv.URL, PublicHost: "https://agent.example.com"}, files)

	_, err = s.Synthesize(context.Background(), "CA1", "Hello there.")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrSynthesis)
	var apiErr *errdefs.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())

	_, err = s.Synthesize(context.Background(), "CA1", "   ")
	assert.ErrorIs(t, err, errdefs.ErrSynthesis)
}

func TestUnsignedURL(t *testing.T) {
	s := NewSynthesizer(TTSConfig{PublicHost: "https://agent.example.com/"}, nil)
	assert.Equal(t, "https://agent.example.com/static/tts/CA1/a.mp3", s.playableURL("tts/CA1/a.mp3"))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	files, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = files.Write("../etc", "x.mp3", nil)
	assert.Error(t, err)
	_, err = files.Path("../../etc/passwd")
	assert.Error(t, err)

	p, err := files.Path("tts/CA1/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(files.root, "tts", "CA1", "a.mp3"), p)
}

func TestFileStoreCleanup(t *testing.T) {
	root := t.TempDir()
	files, err := NewFileStore(root)
	require.NoError(t, err)

	oldRel, err := files.Write("CA1", "old.mp3", []byte("a"))
	require.NoError(t, err)
	_, err = files.Write("CA2", "new.mp3", []byte("b"))
	require.NoError(t, err)

	old := time.Now().Add(-3 * time.Hour)
	oldPath, err := files.Path(oldRel)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	n, err := files.Cleanup(2 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(root, "tts", "CA1"))
	assert.True(t, os.IsNotExist(err), "empty call directory removed")
	_, err = os.Stat(filepath.Join(root, "tts", "CA2", "new.mp3"))
	assert.NoError(t, err)

	require.NoError(t, files.RemoveCall("CA2"))
	_, err = os.Stat(filepath.Join(root, "tts", "CA2"))
	assert.True(t, os.IsNotExist(err))
}
