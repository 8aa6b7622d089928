// Package interruptions stops assistant playback when the caller talks over it.
package interruptions

import (
	"context"
	"time"

	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
)

// BargeInController reacts to caller speech during playback.
type BargeInController struct {
	telephony services.TelephonyController
	now       func() time.Time
	log       *logger.Logger
}

// NewBargeInController creates a controller that stops playback through telephony.
func NewBargeInController(telephony services.TelephonyController) *BargeInController {
	return &BargeInController{
		telephony: telephony,
		now:       time.Now,
		log:       logger.WithPrefix("BargeIn"),
	}
}

// OnSpeechOnset flags a barge-in and stops playback. It returns true only
// when it acted. Repeated calls while the flag is set do nothing.
func (c *BargeInController) OnSpeechOnset(ctx context.Context, s *session.CallSession) bool {
	if !c.Interrupt(s) {
		return false
	}
	c.StopPlayback(ctx, s.ID())
	return true
}

// Interrupt flags a barge-in when something is playing and no barge-in is
// already pending, saving the unspoken text. It makes no network calls;
// the caller follows up with StopPlayback when it returns true.
func (c *BargeInController) Interrupt(s *session.CallSession) bool {
	fired := false
	var jobID string

	s.Update(func(d *session.Data) {
		if d.CurrentlyPlaying == "" || d.BargeIn || d.State.Terminal() {
			return
		}
		if err := d.Transition(session.StateBargeIn); err != nil {
			c.log.Warn("Cannot enter barge-in for %s: %v", logger.ShortID(d.CallSID), err)
			return
		}
		d.BargeIn = true
		d.BargeInAt = c.now()
		if d.UnspokenText != "" {
			d.InterruptedContent = append(d.InterruptedContent, d.UnspokenText)
			d.UnspokenText = ""
		}
		jobID = d.CurrentlyPlaying
		fired = true
	})
	if fired {
		c.log.Info("Caller barged in on %s (job %s)", logger.ShortID(s.ID()), jobID)
	}
	return fired
}

// StopPlayback asks telephony to cut the audio. Failures are logged only.
func (c *BargeInController) StopPlayback(ctx context.Context, callSID string) {
	if err := c.telephony.StopPlayback(ctx, callSID); err != nil {
		c.log.Warn("Failed to stop playback for %s: %v", logger.ShortID(callSID), err)
	}
}

// OnUtteranceFinalized clears a pending barge-in and returns the call to
// ACTIVE. It does nothing when no barge-in is pending.
func (c *BargeInController) OnUtteranceFinalized(s *session.CallSession) {
	s.Update(func(d *session.Data) {
		if !d.BargeIn {
			return
		}
		if err := d.Transition(session.StateActive); err != nil {
			c.log.Warn("Cannot leave barge-in for %s: %v", logger.ShortID(d.CallSID), err)
			d.BargeIn = false
		}
	})
}
