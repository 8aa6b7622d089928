// Package deepgram streams call audio to Deepgram live transcription.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/redact"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
)

const (
	DefaultURL       = "wss://api.deepgram.com/v1/listen"
	defaultKeepAlive = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

var errStreamClosed = errors.New("stream closed")

// DefaultKeywords boost recognition of pharmacy vocabulary.
var DefaultKeywords = []string{"pharmacy", "prescription", "refill", "medication", "doctor"}

// STTConfig holds configuration for Deepgram
type STTConfig struct {
	APIKey   string
	URL      string   // default: DefaultURL
	Language string   // e.g., "en-US"
	Model    string   // e.g., "nova-2"
	Keywords []string // default: DefaultKeywords
	// KeepAlive is the interval between KeepAlive messages. Deepgram closes
	// idle streams after ~10 seconds (default: 5s).
	KeepAlive time.Duration
	Dialer    *websocket.Dialer
}

// Recognizer opens Deepgram live transcription streams.
type Recognizer struct {
	config STTConfig
	log    *logger.Logger
}

// NewRecognizer creates a Deepgram recognizer
func NewRecognizer(config STTConfig) *Recognizer {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.Model == "" {
		config.Model = "nova-2"
	}
	if config.Keywords == nil {
		config.Keywords = DefaultKeywords
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaultKeepAlive
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	return &Recognizer{config: config, log: logger.WithPrefix("DeepgramSTT")}
}

// normalizeEncoding converts codec name variations to Deepgram API format
func normalizeEncoding(encoding string) string {
	switch encoding {
	case "", "pcm", "PCM":
		return "linear16"
	case "ulaw", "PCMU":
		return "mulaw"
	default:
		return encoding
	}
}

func (r *Recognizer) listenURL(opts services.RecognitionOptions) string {
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	language := opts.Language
	if language == "" {
		language = r.config.Language
	}
	keywords := opts.Keywords
	if len(keywords) == 0 {
		keywords = r.config.Keywords
	}

	params := url.Values{}
	params.Set("model", r.config.Model)
	params.Set("language", language)
	params.Set("encoding", normalizeEncoding(opts.Encoding))
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	params.Set("endpointing", "true")
	params.Set("utterance_end_ms", "1000")
	params.Set("vad_events", "true")
	for _, kw := range keywords {
		params.Add("keywords", kw)
	}
	return r.config.URL + "?" + params.Encode()
}

// Open dials a new stream. Failures are errdefs.ErrConnection.
func (r *Recognizer) Open(ctx context.Context, opts services.RecognitionOptions, handlers services.RecognitionHandlers) (services.RecognitionHandle, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+r.config.APIKey)

	conn, resp, err := r.config.Dialer.DialContext(ctx, r.listenURL(opts), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, errdefs.Connection("deepgram.open", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		conn:      conn,
		handlers:  handlers,
		keepAlive: r.config.KeepAlive,
		ctx:       streamCtx,
		cancel:    cancel,
		log:       r.log.WithCall(opts.CallSID),
	}
	s.wg.Add(2)
	go s.receiveTranscriptions()
	go s.keepaliveTask()

	s.log.Info("Connected")
	return s, nil
}

type stream struct {
	conn      *websocket.Conn
	connMu    sync.Mutex // Protects concurrent WebSocket writes
	handlers  services.RecognitionHandlers
	keepAlive time.Duration
	log       *logger.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) write(messageType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *stream) writeControl(msgType string) error {
	msg, err := json.Marshal(map[string]string{"type": msgType})
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, msg)
}

// Send forwards linear PCM audio.
func (s *stream) Send(ctx context.Context, audio []byte) error {
	if s.closing.Load() {
		return errdefs.Transport("deepgram.send", errStreamClosed)
	}
	if err := ctx.Err(); err != nil {
		return errdefs.Transport("deepgram.send", err)
	}
	if err := s.write(websocket.BinaryMessage, audio); err != nil {
		return errdefs.Transport("deepgram.send", err)
	}
	return nil
}

// Close asks Deepgram to flush the stream, then tears the socket down.
// Must not be called from a handler callback.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		if err := s.writeControl("CloseStream"); err != nil {
			s.log.Debug("Error sending CloseStream: %v", err)
		}
		s.connMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.connMu.Unlock()
		s.closeErr = s.conn.Close()
		s.wg.Wait()
		s.log.Info("Disconnected")
	})
	return s.closeErr
}

// response is the subset of Deepgram's live messages the pipeline reads.
type response struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *stream) receiveTranscriptions() {
	defer s.wg.Done()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() || s.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("stream closed by server")
			}
			s.log.Warn("Error reading message: %v", err)
			if s.handlers.OnError != nil {
				s.handlers.OnError(errdefs.Transport("deepgram.receive", err))
			}
			return
		}

		var resp response
		if err := json.Unmarshal(message, &resp); err != nil {
			s.log.Warn("Error parsing response: %v", err)
			continue
		}

		switch resp.Type {
		case "", "Results":
		case "UtteranceEnd", "SpeechStarted", "Metadata":
			s.log.Debug("Event: %s", resp.Type)
			continue
		default:
			s.log.Debug("Ignoring message type %q", resp.Type)
			continue
		}

		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		if s.log.IsLevelEnabled(logger.DEBUG) {
			s.log.Debug("Transcription (final=%v): %s", resp.IsFinal, redact.Sanitize(text))
		}
		if s.handlers.OnTranscript != nil {
			s.handlers.OnTranscript(services.Transcript{
				Text:       text,
				Confidence: alt.Confidence,
				IsFinal:    resp.IsFinal,
			})
		}
	}
}

func (s *stream) keepaliveTask() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeControl("KeepAlive"); err != nil {
				if !s.closing.Load() {
					s.log.Warn("Error sending keepalive: %v", err)
				}
				return
			}
		}
	}
}
