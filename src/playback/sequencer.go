// Package playback speaks a response one sentence-bounded chunk at a time.
package playback

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
	"github.com/square-key-labs/pharmacy-voice-agent/src/text"
)

// Config holds configuration for the sequencer
type Config struct {
	// MaxChunkChars bounds each synthesized chunk (default: 200)
	MaxChunkChars int
	// SafetyMargin is added to each chunk's estimated duration before the
	// next chunk starts (default: 500ms)
	SafetyMargin time.Duration
}

// DefaultConfig returns the default sequencer configuration
func DefaultConfig() Config {
	return Config{
		MaxChunkChars: text.DefaultMaxChunkChars,
		SafetyMargin:  500 * time.Millisecond,
	}
}

// Result summarizes one Play call.
type Result struct {
	Chunks    int
	Played    int
	FellBack  int
	Aborted   bool
	Cancelled bool
}

// Sequencer synthesizes and plays response chunks in order, pacing them by
// their estimated duration and stopping as soon as the caller barges in.
type Sequencer struct {
	synth     services.Synthesizer
	telephony services.TelephonyController
	config    Config
	now       func() time.Time
	log       *logger.Logger
}

// NewSequencer creates a sequencer
func NewSequencer(synth services.Synthesizer, telephony services.TelephonyController, config Config) *Sequencer {
	def := DefaultConfig()
	if config.MaxChunkChars <= 0 {
		config.MaxChunkChars = def.MaxChunkChars
	}
	if config.SafetyMargin < 0 {
		config.SafetyMargin = def.SafetyMargin
	}
	return &Sequencer{
		synth:     synth,
		telephony: telephony,
		config:    config,
		now:       time.Now,
		log:       logger.WithPrefix("Playback"),
	}
}

// Play speaks responseText on the call. It returns when every chunk was
// handed to telephony, when the caller barged in, or when ctx is done.
func (p *Sequencer) Play(ctx context.Context, s *session.CallSession, responseText string) Result {
	chunks := text.ChunkForPlayback(responseText, p.config.MaxChunkChars)
	res := Result{Chunks: len(chunks)}
	log := p.log.WithCall(s.ID())

	s.Update(func(d *session.Data) { d.UnspokenText = strings.Join(chunks, " ") })

	var lastJob string
	for i, chunk := range chunks {
		if s.BargeIn() {
			log.Info("Barge-in, dropping %d remaining chunk(s)", len(chunks)-i)
			res.Aborted = true
			break
		}
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		remaining := strings.Join(chunks[i+1:], " ")
		isLast := i == len(chunks)-1

		synth, err := p.synth.Synthesize(ctx, s.ID(), chunk)
		if err != nil {
			log.Warn("Synthesis failed for chunk %d/%d, using fallback speech: %v", i+1, len(chunks), err)
			p.recordFailedJob(s, chunk)
			p.fallback(ctx, log, s, chunk, remaining)
			res.FellBack++
			continue
		}

		jobID := uuid.NewString()
		aborted := false
		s.Update(func(d *session.Data) {
			// Barge-in may have landed while synthesis was in flight.
			if d.BargeIn {
				aborted = true
				return
			}
			d.EnqueueJob(session.TTSJob{
				ID:                jobID,
				Text:              chunk,
				PlayableRef:       synth.PlayableRef,
				EstimatedDuration: synth.EstimatedDuration,
				Status:            session.JobCompleted,
				CreatedAt:         p.now(),
			})
			d.SetPlaying(jobID, p.now())
			d.UnspokenText = remaining
		})
		if aborted {
			log.Info("Barge-in during synthesis, dropping %d remaining chunk(s)", len(chunks)-i)
			res.Aborted = true
			break
		}
		lastJob = jobID

		if err := p.telephony.Play(ctx, s.ID(), synth.PlayableRef); err != nil {
			log.Warn("Playback request failed for chunk %d/%d, using fallback speech: %v", i+1, len(chunks), err)
			p.fallback(ctx, log, s, chunk, remaining)
			res.FellBack++
			continue
		}
		res.Played++
		log.Debug("Playing chunk %d/%d (job %s, ~%s)", i+1, len(chunks), jobID, synth.EstimatedDuration)

		if !isLast {
			if !p.pace(ctx, synth.EstimatedDuration+p.config.SafetyMargin) {
				res.Cancelled = true
				break
			}
		}
	}

	p.finish(s, lastJob)
	return res
}

func (p *Sequencer) fallback(ctx context.Context, log *logger.Logger, s *session.CallSession, chunk, remaining string) {
	if err := p.telephony.Say(ctx, s.ID(), chunk); err != nil {
		log.Error("Fallback speech failed: %v", err)
	}
	s.Update(func(d *session.Data) { d.UnspokenText = remaining })
}

func (p *Sequencer) recordFailedJob(s *session.CallSession, chunk string) {
	s.Update(func(d *session.Data) {
		d.EnqueueJob(session.TTSJob{
			ID:        uuid.NewString(),
			Text:      chunk,
			Status:    session.JobFailed,
			CreatedAt: p.now(),
		})
	})
}

// pace waits for d or until ctx is done. It reports whether the full delay elapsed.
func (p *Sequencer) pace(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// finish clears playback state. A newer turn may already own
// CurrentlyPlaying, and a pending barge-in keeps the call in BARGE_IN until
// the caller's utterance is finalized.
func (p *Sequencer) finish(s *session.CallSession, lastJob string) {
	s.Update(func(d *session.Data) {
		d.UnspokenText = ""
		if lastJob != "" {
			d.ClearPlaying(lastJob)
		}
		if d.BargeIn || d.State.Terminal() || d.State == session.StateActive {
			return
		}
		if err := d.Transition(session.StateActive); err != nil {
			p.log.Warn("Cannot return %s to ACTIVE: %v", logger.ShortID(d.CallSID), err)
		}
	})
}
