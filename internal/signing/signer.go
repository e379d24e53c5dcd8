// Package signing produces the HMAC headers attached to outbound webhook
// deliveries. Receivers verify the signature with the shared secret they
// were issued at registration time.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signer computes delivery signatures for outbound webhook requests.
type Signer struct {
	now func() time.Time
}

// NewSigner creates a Signer using the real clock.
func NewSigner() *Signer {
	return &Signer{now: func() time.Time { return time.Now().UTC() }}
}

// Sign returns the hex-encoded HMAC-SHA256 of "<unix-ts>.<payload>" keyed
// by secret. Binding the timestamp into the signed material lets receivers
// reject replayed deliveries.
func (s *Signer) Sign(payload []byte, secret string, timestamp time.Time) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", timestamp.Unix())
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload for the given secret
// and timestamp. Comparison is constant-time.
func (s *Signer) Verify(payload []byte, secret string, timestamp time.Time, signature string) bool {
	expected := s.Sign(payload, secret, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CreateDeliveryHeaders builds the header map for one delivery: the
// signature header, the timestamp header, and any caller-supplied extra
// headers. Extra headers never override the signature or timestamp.
func (s *Signer) CreateDeliveryHeaders(
	payload []byte,
	secret string,
	signatureHeader string,
	timestampHeader string,
	extra map[string]string,
) map[string]string {
	ts := s.now()

	headers := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		headers[k] = v
	}
	headers[signatureHeader] = s.Sign(payload, secret, ts)
	headers[timestampHeader] = fmt.Sprintf("%d", ts.Unix())
	return headers
}
