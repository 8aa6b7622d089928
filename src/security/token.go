// Package security issues and checks the credentials used on the media
// connection and the static audio URLs.
package security

import (
	"crypto/subtle"
	"errors"
	"net/url"
	"strings"

	"github.com/square-key-labs/pharmacy-voice-agent/src/errdefs"
)

const secretPrefixLen = 8

var (
	errMissingToken = errors.New("missing session token")
	errBadToken     = errors.New("session token mismatch")
)

// SessionToken returns the media connection token for callSID: the call id
// bound to the first eight characters of the shared secret.
func SessionToken(callSID, secret string) string {
	prefix := secret
	if len(prefix) > secretPrefixLen {
		prefix = prefix[:secretPrefixLen]
	}
	return "session_" + callSID + "_" + prefix
}

// ValidateSessionToken compares token against the expected token in
// constant time. Failures are errdefs.ErrAuth.
func ValidateSessionToken(callSID, token, secret string) error {
	if callSID == "" || token == "" {
		return errdefs.Auth("security.validate_token", errMissingToken)
	}
	expected := SessionToken(callSID, secret)
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return errdefs.Auth("security.validate_token", errBadToken)
	}
	return nil
}

// MediaStreamURL builds the websocket URL the telephony provider connects to.
func MediaStreamURL(publicHost, callSID, token string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(publicHost, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	q := url.Values{}
	q.Set("callSid", callSID)
	q.Set("token", token)
	return "wss://" + host + "/twilio/media?" + q.Encode()
}
