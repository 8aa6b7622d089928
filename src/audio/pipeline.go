package audio

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/frames"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
)

const (
	// SourceSampleRate is the telephony sample rate of inbound audio.
	SourceSampleRate = 8000
	// TargetSampleRate is the rate forwarded to the recognizer.
	TargetSampleRate = 16000
	// DefaultFlushBytes is 100 ms of 16 kHz 16-bit mono audio.
	DefaultFlushBytes = 3200
)

// PipelineConfig holds configuration for an inbound audio pipeline
type PipelineConfig struct {
	FlushBytes int
	Upsampler  Upsampler
}

// DefaultPipelineConfig returns the 100 ms flush, sample-duplicating config.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FlushBytes: DefaultFlushBytes,
		Upsampler:  UpsampleDuplicate,
	}
}

// IngestResult is what one media frame produced.
type IngestResult struct {
	// PCM is the frame expanded to 8 kHz 16-bit little-endian PCM, for the VAD.
	PCM []byte
	// Flush is non-nil when the rolling buffer reached the flush threshold.
	// It holds 16 kHz PCM to forward to the recognizer, in arrival order.
	Flush []byte

	Sequence SequenceStatus
	Missing  int64
	// Since is how long after the previous frame this one arrived, zero for
	// the first frame.
	Since time.Duration
}

// Pipeline converts one call's μ-law frames into buffered 16 kHz linear PCM.
type Pipeline struct {
	mu     sync.Mutex
	config PipelineConfig
	buf    []byte
	seq    SequenceTracker
	last   time.Time
	log    *logger.Logger
}

// NewPipeline creates a pipeline for one call
func NewPipeline(config PipelineConfig, log *logger.Logger) *Pipeline {
	if config.FlushBytes <= 0 {
		config.FlushBytes = DefaultFlushBytes
	}
	if config.Upsampler == nil {
		config.Upsampler = UpsampleDuplicate
	}
	if log == nil {
		log = logger.WithPrefix("AudioPipeline")
	}
	return &Pipeline{
		config: config,
		buf:    make([]byte, 0, config.FlushBytes),
		log:    log,
	}
}

// Ingest decodes, expands, upsamples and buffers one frame. A malformed
// payload returns an errdefs.ErrDecode error and leaves the buffer untouched,
// so the caller can drop the frame and carry on.
func (p *Pipeline) Ingest(frame *frames.MediaFrame) (IngestResult, error) {
	if frame == nil {
		return IngestResult{}, errdefs.Decode("audio.ingest", fmt.Errorf("nil frame"))
	}
	if frame.Codec != "" && frame.Codec != frames.CodecMulaw {
		return IngestResult{}, errdefs.Decode("audio.ingest", fmt.Errorf("unsupported codec %q", frame.Codec))
	}

	mulaw, err := base64.StdEncoding.DecodeString(frame.Payload)
	if err != nil {
		return IngestResult{}, errdefs.Decode("audio.ingest", fmt.Errorf("failed to decode audio payload: %w", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var result IngestResult
	result.Sequence, result.Missing = p.seq.Observe(frame.Sequence)
	if arrived := frame.PTS(); !arrived.IsZero() {
		if !p.last.IsZero() {
			result.Since = arrived.Sub(p.last)
		}
		p.last = arrived
	}
	switch result.Sequence {
	case SequenceGap:
		p.log.Debug("Sequence gap: %d frame(s) missing before #%d, %s after the previous frame",
			result.Missing, frame.Sequence, result.Since.Round(time.Millisecond))
	case SequenceReordered:
		p.log.Warn("Out-of-order frame #%d (last #%d) arrived %s after the previous frame, processing in arrival order",
			frame.Sequence, p.seq.last, result.Since.Round(time.Millisecond))
	}

	pcm := MulawToPCM(mulaw)
	result.PCM = PCMToBytes(pcm)

	p.buf = append(p.buf, PCMToBytes(p.config.Upsampler(pcm))...)
	if len(p.buf) >= p.config.FlushBytes {
		result.Flush = p.buf
		p.buf = make([]byte, 0, p.config.FlushBytes)
	}
	return result, nil
}

// Buffered returns the number of bytes waiting for the next flush.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// SequenceStats reports gaps and reorders seen so far.
func (p *Pipeline) SequenceStats() SequenceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq.Stats()
}

// Reset drops buffered audio and sequence history.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	p.last = time.Time{}
	p.seq.Reset()
}
