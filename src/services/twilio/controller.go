// Package twilio controls live calls through the Twilio REST API by
// replacing their TwiML.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
	"github.com/square-key-labs/pharmacy-voice-agent/src/logger"
	"github.com/square-key-labs/pharmacy-voice-agent/src/services/httpc"
)

const (
	DefaultAPIBase = "https://api.twilio.com"
	DefaultVoice   = "Polly.Joanna-Neural"
	DefaultHints   = "pharmacy, prescription, refill, medication, doctor"
	provider       = "twilio"
)

// Config holds configuration for the call controller
type Config struct {
	AccountSID string
	AuthToken  string
	APIBase    string // default: DefaultAPIBase
	Voice      string // voice for <Say> (default: DefaultVoice)
	Language   string // default: en-US
	Hints      string // default: DefaultHints
	// GatherAction receives <Gather> results. Empty leaves it to Twilio.
	GatherAction string
	// RedirectURL, if set, follows a gather that timed out. Otherwise the
	// call holds with a pause of HoldSeconds (default: 60).
	RedirectURL string
	HoldSeconds int
	HTTPClient  *http.Client
}

// Controller implements services.TelephonyController.
type Controller struct {
	config Config
	client *http.Client
	log    *logger.Logger
}

// NewController creates a Twilio call controller
func NewController(config Config) *Controller {
	if config.APIBase == "" {
		config.APIBase = DefaultAPIBase
	}
	config.APIBase = strings.TrimSuffix(config.APIBase, "/")
	if config.Voice == "" {
		config.Voice = DefaultVoice
	}
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.Hints == "" {
		config.Hints = DefaultHints
	}
	if config.HoldSeconds <= 0 {
		config.HoldSeconds = 60
	}
	if config.HTTPClient == nil {
		config.HTTPClient = httpc.NewClient(httpc.DefaultTimeout)
	}
	return &Controller{config: config, client: config.HTTPClient, log: logger.WithPrefix("TwilioCtrl")}
}

// Play plays the audio at playableRef on the call.
func (c *Controller) Play(ctx context.Context, callSID, playableRef string) error {
	return c.UpdateCall(ctx, callSID, c.PlayTwiML(playableRef))
}

// StopPlayback interrupts current audio without ending the call.
func (c *Controller) StopPlayback(ctx context.Context, callSID string) error {
	return c.UpdateCall(ctx, callSID, c.StopTwiML())
}

// Say speaks text with the carrier's voice.
func (c *Controller) Say(ctx context.Context, callSID, text string) error {
	return c.UpdateCall(ctx, callSID, c.SayTwiML(text))
}

// Hangup ends the call after an optional farewell.
func (c *Controller) Hangup(ctx context.Context, callSID, farewell string) error {
	return c.UpdateCall(ctx, callSID, c.HangupTwiML(farewell))
}

// UpdateCall replaces the live call's TwiML. Failures are errdefs.ErrTransport.
func (c *Controller) UpdateCall(ctx context.Context, callSID, twiml string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		c.config.APIBase, url.PathEscape(c.config.AccountSID), url.PathEscape(callSID))
	form := url.Values{}
	form.Set("Twiml", twiml)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errdefs.Transport("twilio.update_call", err)
	}
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.Transport("twilio.update_call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errdefs.Transport("twilio.update_call", parseError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.log.WithCall(callSID).Debug("Updated call TwiML")
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = fmt.Sprintf("%s (code %d)", payload.Message, payload.Code)
	}
	return &errdefs.APIError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
}
