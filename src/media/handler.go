// Package media runs one inbound media stream: it turns stream events into
// recognizer audio, watches for the caller talking over playback, and drives
// a generate-then-speak turn for every finalized utterance.
package media

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/pharmacy-voice-agent/src/audio"
	"github.com/square-key-labs/pharmacy-voice-agent/src/audio/vad"
	"github.com/square-key-labs/pharmacy-voice-agent/src/audit"
	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/frames"
	"github.com/square-key-labs/pharmacy-voice-agent/src/interruptions"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/playback"
	"github.com/square-key-labs/pharmacy-voice-agent/src/reconnect"
	"github.com/square-key-labs/pharmacy-voice-agent/src/redact"
	"github.com/square-key-labs/pharmacy-voice-agent/src/serializers"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services"
	"github.com/square-key-labs/pharmacy-voice-agent/src/session"
	"github.com/square-key-labs/pharmacy-voice-agent/src/text"
)

// GenerationApology is spoken when no reply could be generated.
const GenerationApology = "I apologize, but I'm having technical difficulties. Please try again or call your pharmacy directly."

// MessageConn is the read side of a media stream connection.
// *websocket.Conn satisfies it.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Config holds configuration for the media handler
type Config struct {
	Pipeline    audio.PipelineConfig
	VAD         vad.VADParams
	Recognition services.RecognitionOptions

	// MaxHistory is the number of earlier turns sent with each utterance (default: 10)
	MaxHistory int
	// RemovalGrace is how long a finished session stays registered (default: 30s)
	RemovalGrace time.Duration
	// GenerationApology replaces the reply when generation fails
	GenerationApology string
}

// DefaultConfig returns the default handler configuration
func DefaultConfig() Config {
	return Config{
		Pipeline: audio.DefaultPipelineConfig(),
		VAD:      vad.DefaultVADParams(),
		Recognition: services.RecognitionOptions{
			SampleRate: audio.TargetSampleRate,
			Encoding:   "linear16",
			Language:   "en-US",
		},
		MaxHistory:        10,
		RemovalGrace:      30 * time.Second,
		GenerationApology: GenerationApology,
	}
}

// Deps are the shared collaborators every stream uses.
type Deps struct {
	Registry   *session.Registry
	Supervisor *reconnect.Supervisor
	Generator  services.ResponseGenerator
	Sequencer  *playback.Sequencer
	BargeIn    *interruptions.BargeInController
	Audit      audit.Sink
}

// Handler serves media streams. One Handler is shared by all connections.
type Handler struct {
	deps   Deps
	config Config
	log    *logger.Logger
}

// NewHandler creates a media handler
func NewHandler(deps Deps, config Config) *Handler {
	def := DefaultConfig()
	if config.MaxHistory <= 0 {
		config.MaxHistory = def.MaxHistory
	}
	if config.RemovalGrace <= 0 {
		config.RemovalGrace = def.RemovalGrace
	}
	if config.GenerationApology == "" {
		config.GenerationApology = def.GenerationApology
	}
	if config.VAD.SpeechFrames <= 0 || config.VAD.SilenceFrames <= 0 {
		config.VAD = def.VAD
	}
	if config.Recognition.SampleRate == 0 {
		config.Recognition.SampleRate = def.Recognition.SampleRate
	}
	if config.Recognition.Encoding == "" {
		config.Recognition.Encoding = def.Recognition.Encoding
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	return &Handler{
		deps:   deps,
		config: config,
		log:    logger.WithPrefix("Media"),
	}
}

// call is the per-connection state of one stream.
type call struct {
	h          *Handler
	sess       *session.CallSession
	conn       MessageConn
	pipeline   *audio.Pipeline
	detector   *vad.Detector
	serializer *serializers.TwilioFrameSerializer
	link       *reconnect.Link
	log        *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	closed     bool
	turns      sync.WaitGroup
	stops      sync.WaitGroup

	teardownOnce sync.Once
	closeOnce    sync.Once
}

// Serve runs the stream until it stops, the connection drops or ctx is
// done. The connection has already been authorized. A clean stop or close
// returns nil.
func (h *Handler) Serve(ctx context.Context, conn MessageConn, callSID string) error {
	sess, created, err := h.deps.Registry.GetOrCreate(callSID, "")
	if err != nil {
		_ = conn.Close()
		return err
	}

	c := &call{
		h:          h,
		sess:       sess,
		conn:       conn,
		pipeline:   audio.NewPipeline(h.config.Pipeline, logger.WithPrefix("AudioPipeline").WithCall(callSID)),
		detector:   vad.NewDetector(h.config.VAD),
		serializer: serializers.NewTwilioFrameSerializer("", callSID),
		log:        h.log.WithCall(callSID),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	// Unblocks the read loop when the server shuts down.
	stop := context.AfterFunc(c.ctx, c.closeConn)
	defer stop()

	if created {
		c.log.Info("Media stream connected")
	} else {
		c.log.Info("Media stream reconnected to existing session (%s)", sess.State())
	}

	c.link, _ = h.deps.Supervisor.Open(c.ctx, sess, h.config.Recognition, services.RecognitionHandlers{
		OnTranscript: c.onTranscript,
	})

	reason, err := c.readLoop()
	c.teardown(reason)
	return err
}

func (c *call) readLoop() (reason string, err error) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				return "shutdown", nil
			case errors.Is(err, io.EOF), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return "closed", nil
			default:
				c.log.Warn("Read error: %v", err)
				return "read_error", errdefs.Transport("media.read", err)
			}
		}

		frame, err := c.serializer.Deserialize(msg)
		if err != nil {
			c.log.Debug("Dropping malformed message: %v", err)
			continue
		}
		if frame == nil {
			continue
		}
		c.sess.Touch()

		switch f := frame.(type) {
		case *frames.StartFrame:
			c.onStart(f)
		case *frames.MediaFrame:
			c.onMedia(f)
		case *frames.StopFrame:
			c.log.Info("Stream stop received")
			return "stop", nil
		case *frames.MarkFrame:
			c.log.Debug("Mark received: %s", f.Mark)
		case *frames.DTMFFrame:
			c.log.Debug("DTMF digit received")
		}
	}
}

func (c *call) onStart(f *frames.StartFrame) {
	caller := f.CallerAddress()
	c.sess.Update(func(d *session.Data) {
		d.StreamSID = f.StreamSID
		if caller != "" {
			d.CallerAddress = caller
		}
	})
	if enc := f.MediaFormat.Encoding; enc != "" && enc != "audio/x-mulaw" {
		c.log.Warn("Unexpected media encoding %q, expecting μ-law", enc)
	}
	c.log.Info("Stream started (stream %s, caller %s)", logger.ShortID(f.StreamSID), redact.MaskPhone(caller))
	c.record(audit.NewEvent(audit.EventSessionStart, c.sess.ID(),
		audit.WithPhone(caller),
		audit.WithData(map[string]string{"stream_sid": f.StreamSID}),
	))
}

func (c *call) onMedia(f *frames.MediaFrame) {
	res, err := c.pipeline.Ingest(f)
	if err != nil {
		c.log.Debug("Dropping media frame #%d: %v", f.Sequence, err)
		return
	}

	if speech, transitioned := c.detector.ProcessFrame(res.PCM); speech && transitioned {
		if c.h.deps.BargeIn.Interrupt(c.sess) {
			c.record(audit.NewEvent(audit.EventBargeIn, c.sess.ID()))
			// The REST round trip must not stall ingest.
			c.stops.Add(1)
			go func() {
				defer c.stops.Done()
				c.h.deps.BargeIn.StopPlayback(c.ctx, c.sess.ID())
			}()
		}
	}

	if res.Flush != nil {
		if err := c.link.Send(c.ctx, res.Flush); err != nil {
			c.log.Debug("Recognizer send failed: %v", err)
		}
	}
}

func (c *call) onTranscript(t services.Transcript) {
	if t.Text == "" {
		return
	}

	if !t.IsFinal {
		c.sess.Update(func(d *session.Data) { d.PartialTranscript = t.Text })
		if sentences, _ := text.ExtractSentences(t.Text); len(sentences) > 0 {
			c.log.Debug("Partial already holds %d sentence(s), last: %s", len(sentences), redact.Sanitize(sentences[len(sentences)-1]))
		}
		return
	}

	var history []session.ConversationTurn
	terminal := false
	c.sess.Update(func(d *session.Data) {
		if d.State.Terminal() {
			terminal = true
			return
		}
		d.FinalTranscript = t.Text
		d.Confidence = t.Confidence
		d.PartialTranscript = ""
		history = d.RecentHistory(c.h.config.MaxHistory)
		d.AppendTurn(session.ConversationTurn{
			Speaker:    session.SpeakerCaller,
			Text:       t.Text,
			Confidence: t.Confidence,
			Final:      true,
		})
	})
	if terminal {
		return
	}

	c.log.Debug("Final transcript (%.2f): %s", t.Confidence, redact.Sanitize(t.Text))
	c.h.deps.BargeIn.OnUtteranceFinalized(c.sess)
	c.startTurn(t.Text, history)
}

// startTurn supersedes the running turn, if any. Turns never overlap: the
// new one waits for the cancelled one to unwind before it touches state.
func (c *call) startTurn(utterance string, history []session.ConversationTurn) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.closed {
		return
	}

	prev := c.turnDone
	if c.turnCancel != nil {
		c.turnCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.turnCancel, c.turnDone = cancel, done

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		c.runTurn(ctx, utterance, history)
	}()
}

func (c *call) runTurn(ctx context.Context, utterance string, history []session.ConversationTurn) {
	if ctx.Err() != nil {
		return
	}

	started := false
	c.sess.Update(func(d *session.Data) {
		if d.State.Terminal() {
			return
		}
		if err := d.Transition(session.StateProcessing); err != nil {
			c.log.Warn("Cannot start turn: %v", err)
			return
		}
		d.Generating = true
		started = true
	})
	if !started {
		return
	}

	reply, err := c.h.deps.Generator.Generate(ctx, utterance, history)
	if ctx.Err() != nil {
		c.sess.Update(func(d *session.Data) {
			d.Generating = false
			if d.State == session.StateProcessing {
				_ = d.Transition(session.StateActive)
			}
		})
		c.log.Debug("Turn superseded before playback")
		return
	}
	if err != nil {
		c.log.Error("Response generation failed: %v", err)
		c.record(audit.NewEvent(audit.EventGenerationFail, c.sess.ID(), audit.WithError(err)))
		reply = c.h.config.GenerationApology
	}

	c.sess.Update(func(d *session.Data) {
		d.Generating = false
		d.AppendTurn(session.ConversationTurn{
			Speaker:    session.SpeakerAssistant,
			Text:       reply,
			Confidence: 1,
			Final:      true,
		})
	})

	res := c.h.deps.Sequencer.Play(ctx, c.sess, reply)
	c.log.Debug("Turn done: %d/%d chunk(s) played, %d fallback(s), aborted=%t cancelled=%t",
		res.Played, res.Chunks, res.FellBack, res.Aborted, res.Cancelled)
}

// teardown releases everything the stream owns. Safe to call more than once.
func (c *call) teardown(reason string) {
	c.teardownOnce.Do(func() {
		c.turnMu.Lock()
		c.closed = true
		c.turnMu.Unlock()

		c.cancel()
		c.turns.Wait()
		c.stops.Wait()

		degraded := false
		if c.link != nil {
			degraded = c.link.Degraded()
			if err := c.link.Close(); err != nil {
				c.log.Debug("Closing recognition link: %v", err)
			}
		}

		stats := c.pipeline.SequenceStats()
		c.pipeline.Reset()
		c.detector.Reset()

		c.sess.Update(func(d *session.Data) {
			d.Generating = false
			if d.State.Terminal() {
				return
			}
			if err := d.Transition(session.StateCompleted); err != nil {
				c.log.Warn("Cannot complete session: %v", err)
			}
		})
		c.h.deps.Registry.ScheduleRemoval(c.sess.ID(), c.h.config.RemovalGrace)

		c.record(audit.NewEvent(audit.EventSessionEnd, c.sess.ID(), audit.WithData(map[string]string{
			"reason":    reason,
			"degraded":  strconv.FormatBool(degraded),
			"gaps":      strconv.FormatInt(stats.Gaps, 10),
			"missing":   strconv.FormatInt(stats.Missing, 10),
			"reordered": strconv.FormatInt(stats.Reordered, 10),
		})))

		c.closeConn()
		c.log.Info("Media stream closed (%s)", reason)
	})
}

func (c *call) closeConn() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debug("Closing connection: %v", err)
		}
	})
}

// record hands ev to the audit sink. Audit failures never affect the call.
func (c *call) record(ev audit.Event) {
	if err := c.h.deps.Audit.Record(context.Background(), ev); err != nil {
		c.log.Debug("Audit record failed: %v", err)
	}
}
