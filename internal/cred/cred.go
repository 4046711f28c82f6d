// Package cred issues short-lived credentials for TURN-compatible NAT
// relay servers, following the ephemeral-credential convention coturn
// documents: username is "<unix-expiry>:<nonce>"; password is the
// base64-encoded HMAC-SHA1 of the username under a secret shared with
// the relay. The relay validates by recomputing the HMAC locally, so
// no revocation path exists — expiry is purely time-based.
package cred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RelayCredential is a time-windowed username/password pair for a
// TURN-compatible relay.
type RelayCredential struct {
	Username string        `json:"username"`
	Password string        `json:"password"`
	Realm    string        `json:"realm"`
	TTL      time.Duration `json:"ttl"`
}

// Issuer mints relay credentials. The zero value uses the wall clock;
// tests inject Now.
type Issuer struct {
	Now func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue creates a credential valid for ttl from now.
func (i *Issuer) Issue(realm, secret string, ttl time.Duration) (RelayCredential, error) {
	if secret == "" {
		return RelayCredential{}, fmt.Errorf("relay secret is required")
	}
	if ttl <= 0 {
		return RelayCredential{}, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	expiry := i.now().Add(ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, uuid.NewString())
	return RelayCredential{
		Username: username,
		Password: Sign(secret, username),
		Realm:    realm,
		TTL:      ttl,
	}, nil
}

// Sign computes the password for a username under secret. Exported so
// relay-side validators can recompute it.
func Sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks password against the shared secret and reports whether
// the embedded expiry is still in the future at now.
func Verify(secret, username, password string, now time.Time) error {
	expected := Sign(secret, username)
	if !hmac.Equal([]byte(expected), []byte(password)) {
		return fmt.Errorf("credential signature mismatch")
	}
	expiry, err := Expiry(username)
	if err != nil {
		return err
	}
	if now.After(expiry) {
		return fmt.Errorf("credential expired at %s", expiry.UTC().Format(time.RFC3339))
	}
	return nil
}

// SplitToken splits a "<username>:<password>" session token at the
// last colon; the username itself contains one colon.
func SplitToken(token string) (username, password string, err error) {
	idx := strings.LastIndexByte(token, ':')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", fmt.Errorf("malformed session token")
	}
	return token[:idx], token[idx+1:], nil
}

// Expiry extracts the expiry timestamp embedded in a username.
func Expiry(username string) (time.Time, error) {
	idx := strings.IndexByte(username, ':')
	if idx <= 0 {
		return time.Time{}, fmt.Errorf("malformed credential username %q", username)
	}
	secs, err := strconv.ParseInt(username[:idx], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed credential expiry: %w", err)
	}
	return time.Unix(secs, 0), nil
}
