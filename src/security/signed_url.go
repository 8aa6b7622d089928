package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// URLSigner signs and verifies time-limited static file URLs.
type URLSigner struct {
	secret     []byte
	publicHost string
	ttl        time.Duration
	now        func() time.Time
}

// NewURLSigner creates a signer for files served under <publicHost>/static/.
func NewURLSigner(secret, publicHost string, ttl time.Duration) *URLSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &URLSigner{
		secret:     []byte(secret),
		publicHost: strings.TrimSuffix(publicHost, "/"),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *URLSigner) signature(relPath string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(relPath + ":" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns an absolute URL for relPath (relative to /static/) valid for the signer's TTL.
func (s *URLSigner) Sign(relPath string) string {
	relPath = strings.TrimPrefix(relPath, "/")
	expires := s.now().Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.signature(relPath, expires))
	return s.publicHost + "/static/" + relPath + "?" + q.Encode()
}

// Verify checks an expiry and signature pair for relPath.
func (s *URLSigner) Verify(relPath, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || exp < s.now().Unix() {
		return false
	}
	want := s.signature(strings.TrimPrefix(relPath, "/"), exp)
	return hmac.Equal([]byte(signature), []byte(want))
}
