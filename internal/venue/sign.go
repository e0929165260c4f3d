package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer produces Bybit V5 request signatures.
//
// Every private call is signed with HMAC-SHA256 over
//
//	timestamp + apiKey + recvWindow + payload
//
// where payload is the sorted query string for GET and the exact serialized
// body bytes for POST. The caller must send the very same bytes it signed —
// the client never re-serializes between signing and sending.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow string
}

// NewSigner creates a signer for the given API key pair.
func NewSigner(apiKey, apiSecret, recvWindow string) *Signer {
	if recvWindow == "" {
		recvWindow = "5000"
	}
	return &Signer{apiKey: apiKey, secret: []byte(apiSecret), recvWindow: recvWindow}
}

// APIKey returns the configured key (used by the private stream auth).
func (s *Signer) APIKey() string { return s.apiKey }

// Sign computes the hex HMAC for the given timestamp and canonical payload.
func (s *Signer) Sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp + s.apiKey + s.recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers builds the signed header set for a private REST call.
func (s *Signer) Headers(payload string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     s.apiKey,
		"X-BAPI-SIGN":        s.Sign(ts, payload),
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": s.recvWindow,
		"Content-Type":       "application/json",
	}
}

// StreamAuth builds the websocket auth challenge: an HMAC over
// "GET/realtime{expires}" with a short validity window.
func (s *Signer) StreamAuth() (apiKey string, expires int64, signature string) {
	expires = time.Now().UnixMilli() + 10_000
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	return s.apiKey, expires, hex.EncodeToString(mac.Sum(nil))
}

// canonicalQuery renders params as the sorted "k=v&k=v" string used both for
// the signature and the request URL.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
