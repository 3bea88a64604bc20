// Package signing implements the canonical webhook payload codec shared by the
// charges API and the bank simulator: compact JSON bodies signed with
// HMAC-SHA256 plus a unix-seconds freshness check.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderSignature carries the hex-encoded HMAC-SHA256 of the raw body.
	HeaderSignature = "X-Signature"
	// HeaderTimestamp is the unix timestamp (seconds) stamped at send time.
	HeaderTimestamp = "X-Timestamp"
	// HeaderEventID identifies a single delivery intent.
	HeaderEventID = "X-Event-Id"
	// HeaderRequestID correlates a delivery across both services.
	HeaderRequestID = "X-Request-Id"

	// SignaturePrefix labels the digest algorithm on the wire.
	SignaturePrefix = "sha256="

	// DefaultMaxSkew bounds how old (or how far in the future) a signed
	// request may be before the verifier rejects it.
	DefaultMaxSkew = 5 * time.Minute
)

var (
	// ErrBadSignature is returned when the signature header is missing or
	// does not match the request body.
	ErrBadSignature = errors.New("invalid webhook signature")
	// ErrStaleTimestamp is returned when the timestamp falls outside the
	// allowed freshness window.
	ErrStaleTimestamp = errors.New("webhook timestamp outside freshness window")
	// ErrMalformedHeader is returned when a signing header cannot be parsed.
	ErrMalformedHeader = errors.New("malformed webhook header")
)

// CanonicalBody serializes v as compact JSON. The exact bytes returned are the
// bytes that must be sent and signed; verifiers operate on the raw request
// body and never re-serialize.
func CanonicalBody(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Sign computes the transport form of the body signature: "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature header against the raw request body. The
// comparison is constant time.
func Verify(secret string, body []byte, header string) error {
	cleaned := strings.TrimSpace(header)
	if cleaned == "" {
		return ErrBadSignature
	}
	if !strings.HasPrefix(cleaned, SignaturePrefix) {
		return ErrMalformedHeader
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(cleaned, SignaturePrefix))
	if err != nil {
		return ErrMalformedHeader
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}

// ParseTimestamp decodes the unix-seconds timestamp header.
func ParseTimestamp(header string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return time.Time{}, ErrMalformedHeader
	}
	return time.Unix(secs, 0).UTC(), nil
}

// VerifyFreshness rejects timestamps further than maxSkew from now in either
// direction. A non-positive maxSkew falls back to DefaultMaxSkew.
func VerifyFreshness(header string, now time.Time, maxSkew time.Duration) error {
	ts, err := ParseTimestamp(header)
	if err != nil {
		return err
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	skew := now.UTC().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrStaleTimestamp
	}
	return nil
}

// FormatTimestamp renders now as the wire form of the timestamp header.
func FormatTimestamp(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}
