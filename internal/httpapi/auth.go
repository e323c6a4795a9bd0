package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	bearerPrefix     = "Bearer HMAC-SHA256:"
	clockSkewWindowS = 30
)

// Authenticator validates HMAC-SHA256 bearer tokens: "Bearer
// HMAC-SHA256:<unix_ts>:<hex_sig>", sig = HMAC-SHA256(key, ts_ascii_decimal)
// (spec §6). If no key is configured, auth is bypassed (development mode).
type Authenticator struct {
	key []byte
}

// NewAuthenticator creates an Authenticator. An empty key disables auth.
func NewAuthenticator(key []byte) *Authenticator {
	return &Authenticator{key: key}
}

// AuthError is a specific 401 reason (spec §7: "Auth failures — 401 with a
// specific reason: missing header, malformed token, expired, bad signature").
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// Verify checks r's Authorization header. Returns nil if auth is disabled
// or the token is valid.
func (a *Authenticator) Verify(r *http.Request) error {
	if len(a.key) == 0 {
		return nil
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return &AuthError{Reason: "missing or invalid Authorization header"}
	}

	token := strings.TrimPrefix(header, bearerPrefix)
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return &AuthError{Reason: "malformed token"}
	}
	timestampStr, clientSig := parts[0], parts[1]

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return &AuthError{Reason: "malformed token"}
	}

	now := time.Now().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkewWindowS {
		return &AuthError{Reason: "token expired (clock skew)"}
	}

	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(timestampStr))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(clientSig)) {
		return &AuthError{Reason: "invalid HMAC signature"}
	}
	return nil
}

// Sign produces a full "Authorization" header value for the given key and
// timestamp. Exported for test clients and CLI tooling.
func Sign(key []byte, ts time.Time) string {
	timestampStr := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestampStr))
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s%s:%s", bearerPrefix, timestampStr, sig)
}
