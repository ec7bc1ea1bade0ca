package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Auth signs REST and WS requests for an API-key/secret authenticated
// spot/margin venue: HMAC-SHA256 over "timestamp+method+path[+body]",
// the scheme most centralized exchanges use for trading endpoints.
type Auth struct {
	apiKey string
	secret string
}

// NewAuth creates an Auth instance from configured API credentials.
func NewAuth(apiKey, secret string) *Auth {
	return &Auth{apiKey: apiKey, secret: secret}
}

// APIKey returns the configured API key for header injection.
func (a *Auth) APIKey() string {
	return a.apiKey
}

// Sign computes the HMAC-SHA256 signature for an authenticated request.
// message = timestamp + method + path [+ body]
func (a *Auth) Sign(method, path, body string) (signature, timestamp string) {
	timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := timestamp + method + path
	if body != "" {
		message += body
	}
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), timestamp
}

// Headers returns the header set to attach to an authenticated REST request.
func (a *Auth) Headers(method, path, body string) map[string]string {
	sig, ts := a.Sign(method, path, body)
	return map[string]string{
		"X-API-KEY":   a.apiKey,
		"X-SIGNATURE": sig,
		"X-TIMESTAMP": ts,
	}
}

// WSListenKeyHeaders returns headers for deriving a user-data-stream listen key.
func (a *Auth) WSListenKeyHeaders() map[string]string {
	return map[string]string{"X-API-KEY": a.apiKey}
}
