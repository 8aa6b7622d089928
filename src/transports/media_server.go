// Package transports exposes the media stream endpoint and the synthesized
// audio files over HTTP.
package transports

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/pharmacy-voice-agent/src/audit"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/media"
	"github.com/square-key-labs/pharmacy-voice-agent/src/security"
)

const (
	MediaPath  = "/twilio/media"
	StaticPath = "/static/"
	HealthPath = "/healthz"
)

// StreamHandler runs one authorized media stream.
type StreamHandler interface {
	Serve(ctx context.Context, conn media.MessageConn, callSID string) error
}

// FileResolver maps a path below /static/ to a file on disk.
type FileResolver interface {
	Path(relPath string) (string, error)
}

// MediaServerConfig holds configuration for the media server
type MediaServerConfig struct {
	Addr string // Address to listen on (e.g., ":8080")
	// SigningSecret authorizes media connections
	SigningSecret string
	// RequireSignedURLs rejects static requests without a valid signature
	RequireSignedURLs bool
	// ShutdownTimeout bounds Stop (default: 10s)
	ShutdownTimeout time.Duration
}

// MediaServerDeps are the collaborators behind the HTTP routes.
type MediaServerDeps struct {
	Streams StreamHandler
	Files   FileResolver
	Signer  *security.URLSigner
	Audit   audit.Sink
	// Sessions, if set, is reported by the health check.
	Sessions SessionLister
}

// SessionLister reports registered sessions and the ones still in a call.
type SessionLister interface {
	Len() int
	ListActive() []string
}

// MediaServer accepts media stream websockets from the telephony provider
// and serves the audio files it is asked to play.
type MediaServer struct {
	config   MediaServerConfig
	deps     MediaServerDeps
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	streams sync.WaitGroup
	active  atomic.Int64
}

// NewMediaServer creates a media server
func NewMediaServer(config MediaServerConfig, deps MediaServerDeps) *MediaServer {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaServer{
		config: config,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// The provider does not send an Origin header; the session token authorizes the stream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    logger.WithPrefix("MediaServer"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes.
func (s *MediaServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+MediaPath, s.handleMedia)
	mux.HandleFunc("GET "+StaticPath, s.handleStatic)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	return mux
}

// Start begins listening. It returns once the listener is bound.
func (s *MediaServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.log.Info("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *MediaServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ActiveStreams returns the number of media streams being served.
func (s *MediaServer) ActiveStreams() int {
	return int(s.active.Load())
}

// Stop ends every media stream and shuts the HTTP server down.
func (s *MediaServer) Stop() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("%d stream(s) still closing at shutdown deadline", s.ActiveStreams())
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *MediaServer) handleMedia(w http.ResponseWriter, r *http.Request) {
	callSID := r.URL.Query().Get("callSid")
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}

	if err := security.ValidateSessionToken(callSID, token, s.config.SigningSecret); err != nil {
		s.reject(conn, r, callSID, err)
		return
	}

	s.streams.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.streams.Done()
	}()

	if err := s.deps.Streams.Serve(s.ctx, conn, callSID); err != nil {
		s.log.WithCall(callSID).Warn("Stream ended with error: %v", err)
	}
}

// reject closes an unauthorized stream with a policy-violation close frame.
func (s *MediaServer) reject(conn *websocket.Conn, r *http.Request, callSID string, cause error) {
	s.log.Warn("Rejected media connection from %s: %v", r.RemoteAddr, cause)

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()

	ev := audit.NewEvent(audit.EventAuthRejected, callSID,
		audit.WithRequest(r.RemoteAddr, r.UserAgent()),
		audit.WithError(cause),
	)
	if err := s.deps.Audit.Record(context.Background(), ev); err != nil {
		s.log.Debug("Audit record failed: %v", err)
	}
}

func (s *MediaServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		http.NotFound(w, r)
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, StaticPath)

	if s.config.RequireSignedURLs {
		q := r.URL.Query()
		if s.deps.Signer == nil || !s.deps.Signer.Verify(rel, q.Get("expires"), q.Get("signature")) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	path, err := s.deps.Files.Path(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

func (s *MediaServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"streams": s.ActiveStreams(),
	}
	if s.deps.Sessions != nil {
		body["sessions"] = s.deps.Sessions.Len()
		body["active_calls"] = len(s.deps.Sessions.ListActive())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
