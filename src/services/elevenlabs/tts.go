// Package elevenlabs synthesizes response chunks with the ElevenLabs HTTP API
// and stores them as files the telephony provider can fetch.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/security"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services/httpc"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
	DefaultModel   = "eleven_turbo_v2"
	// Twilio <Play> accepts MP3 and WAV; raw PCM is not playable.
	DefaultOutputFormat = "mp3_22050_32"
	provider            = "elevenlabs"
)

var errEmptyText = errors.New("empty text")

// TTSConfig holds configuration for ElevenLabs
type TTSConfig struct {
	APIKey          string
	BaseURL         string // default: DefaultBaseURL
	VoiceID         string // default: DefaultVoiceID
	Model           string // default: DefaultModel
	OutputFormat    string // default: DefaultOutputFormat
	Stability       float64
	SimilarityBoost float64
	// PublicHost is used for unsigned URLs when Signer is nil.
	PublicHost string
	Signer     *security.URLSigner
	HTTPClient *http.Client
}

// Synthesizer implements services.Synthesizer.
type Synthesizer struct {
	config TTSConfig
	files  *FileStore
	client *http.Client
	log    *logger.Logger
}

// NewSynthesizer creates an ElevenLabs synthesizer writing audio to files.
func NewSynthesizer(config TTSConfig, files *FileStore) *Synthesizer {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.VoiceID == "" {
		config.VoiceID = DefaultVoiceID
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.OutputFormat == "" {
		config.OutputFormat = DefaultOutputFormat
	}
	if config.HTTPClient == nil {
		config.HTTPClient = httpc.NewClient(httpc.DefaultTimeout)
	}
	return &Synthesizer{
		config: config,
		files:  files,
		client: config.HTTPClient,
		log:    logger.WithPrefix("ElevenLabsTTS"),
	}
}

// Synthesize renders text, stores the audio and returns a URL for it.
func (s *Synthesizer) Synthesize(ctx context.Context, callSID, text string) (*services.Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errdefs.Synthesis("elevenlabs.synthesize", errEmptyText)
	}

	audio, err := s.synthesizeHTTP(ctx, text)
	if err != nil {
		return nil, errdefs.Synthesis("elevenlabs.synthesize", err)
	}

	name := uuid.NewString() + "." + extensionFor(s.config.OutputFormat)
	relPath, err := s.files.Write(callSID, name, audio)
	if err != nil {
		return nil, errdefs.Synthesis("elevenlabs.store", err)
	}

	duration := EstimateDuration(text)
	s.log.WithCall(callSID).Debug("Synthesized %d chars into %d bytes (~%s)", utf8.RuneCountInString(text), len(audio), duration)

	return &services.Synthesis{
		PlayableRef:       s.playableURL(relPath),
		EstimatedDuration: duration,
	}, nil
}

func (s *Synthesizer) playableURL(relPath string) string {
	if s.config.Signer != nil {
		return s.config.Signer.Sign(relPath)
	}
	return strings.TrimSuffix(s.config.PublicHost, "/") + "/static/" + relPath
}

func (s *Synthesizer) synthesizeHTTP(ctx context.Context, text string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		s.config.BaseURL, s.config.VoiceID, s.config.OutputFormat)

	requestBody := map[string]interface{}{
		"text":     text,
		"model_id": s.config.Model,
		"voice_settings": map[string]interface{}{
			"stability":         s.config.Stability,
			"similarity_boost":  s.config.SimilarityBoost,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &errdefs.APIError{Provider: provider, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio response")
	}
	return audio, nil
}

// extensionFor maps an ElevenLabs output format (CODEC_SAMPLERATE[_BITRATE])
// to a file extension.
func extensionFor(outputFormat string) string {
	codec, _, _ := strings.Cut(outputFormat, "_")
	switch codec {
	case "pcm":
		return "pcm"
	case "ulaw":
		return "ulaw"
	default:
		return "mp3"
	}
}

// EstimateDuration approximates spoken length: about ten characters per
// second for short texts and 150 words per minute otherwise, never below
// one second.
func EstimateDuration(text string) time.Duration {
	chars := utf8.RuneCountInString(text)
	var seconds float64
	if chars < 50 {
		seconds = float64(chars) / 10.0
	} else {
		seconds = float64(len(strings.Fields(text))) / 150.0 * 60.0
	}
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(math.Round(seconds*1000)) * time.Millisecond
}
