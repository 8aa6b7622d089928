// Package vad classifies 16-bit PCM frames as speech or silence.
package vad

import (
	"sync"

	"github.com/square-key-labs/pharmacy-voice-agent/src/audio"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
)

// VADState represents the current state of voice activity detection
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams holds configuration parameters for voice activity detection
type VADParams struct {
	// EnergyThreshold is the RMS level, in raw int16 units, above which a
	// frame counts as a speech candidate (default: 1000)
	EnergyThreshold float64

	// SpeechFrames is the number of consecutive speech candidates needed to
	// switch to speaking (default: 3)
	SpeechFrames int

	// SilenceFrames is the number of consecutive silent frames needed to
	// switch back to quiet (default: 10). Kept larger than SpeechFrames so
	// onset is fast and offset does not clip short pauses.
	SilenceFrames int
}

// DefaultVADParams returns the default VAD parameters
func DefaultVADParams() VADParams {
	return VADParams{
		EnergyThreshold: 1000.0,
		SpeechFrames:    3,
		SilenceFrames:   10,
	}
}

// Detector is an energy based voice activity detector with asymmetric
// hysteresis. One Detector belongs to one call.
type Detector struct {
	params VADParams

	mu           sync.Mutex
	speaking     bool
	speechCount  int
	silenceCount int
	lastEnergy   float64
}

// NewDetector creates a detector. Non-positive params fall back to defaults.
func NewDetector(params VADParams) *Detector {
	def := DefaultVADParams()
	if params.EnergyThreshold <= 0 {
		params.EnergyThreshold = def.EnergyThreshold
	}
	if params.SpeechFrames <= 0 {
		params.SpeechFrames = def.SpeechFrames
	}
	if params.SilenceFrames <= 0 {
		params.SilenceFrames = def.SilenceFrames
	}
	return &Detector{params: params}
}

// ProcessFrame classifies one frame of 16-bit little-endian PCM. transitioned
// is true only on the frame that flips the classification.
func (d *Detector) ProcessFrame(pcm []byte) (isSpeech, transitioned bool) {
	energy := frameEnergy(pcm)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastEnergy = energy
	if energy > d.params.EnergyThreshold {
		d.speechCount++
		d.silenceCount = 0
	} else {
		d.silenceCount++
		d.speechCount = 0
	}

	switch {
	case !d.speaking && d.speechCount >= d.params.SpeechFrames:
		d.speaking = true
		transitioned = true
		logger.Debug("[VAD] QUIET → SPEAKING (energy=%.1f)", energy)
	case d.speaking && d.silenceCount >= d.params.SilenceFrames:
		d.speaking = false
		transitioned = true
		logger.Debug("[VAD] SPEAKING → QUIET (energy=%.1f)", energy)
	}

	return d.speaking, transitioned
}

// State returns the detector state, including the pending STARTING and
// STOPPING phases while a counter is running.
func (d *Detector) State() VADState {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.speaking && d.silenceCount > 0:
		return VADStateStopping
	case d.speaking:
		return VADStateSpeaking
	case d.speechCount > 0:
		return VADStateStarting
	default:
		return VADStateQuiet
	}
}

// LastEnergy returns the RMS of the most recent frame.
func (d *Detector) LastEnergy() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEnergy
}

// Params returns the detector configuration
func (d *Detector) Params() VADParams {
	return d.params
}

// Reset clears all counters and the classification
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.speaking = false
	d.speechCount = 0
	d.silenceCount = 0
	d.lastEnergy = 0
}

func frameEnergy(pcm []byte) float64 {
	samples, err := audio.BytesToPCM(pcm[:len(pcm)&^1])
	if err != nil {
		return 0
	}
	return audio.RMS(samples)
}
