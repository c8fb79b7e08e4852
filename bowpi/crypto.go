// Package bowpi implements the client side of the Bowpi identity
// protocol: the proof-of-possession request signing scheme (OTP token +
// HMAC digest), the token encryption scheme, and the HTTP transport
// adapter for the login, refresh, and invalidation endpoints.
package bowpi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

const (
	// otpSentinel is the fixed block the backend expects between the
	// random digits and the trailing counter of every OTP token.
	otpSentinel = "4000"

	// HeaderOTPToken carries the per-request proof-of-possession token.
	HeaderOTPToken = "OTPToken"

	// HeaderDate carries the signing timestamp bound into the digest.
	HeaderDate = "X-Date"

	// HeaderDigest carries the HMAC request signature.
	HeaderDigest = "X-Digest"

	// HeaderAuthToken carries the stored session token on the
	// invalidation endpoint.
	HeaderAuthToken = "bowpi-auth-token"
)

// randomDigits returns n decimal digits from crypto/rand.
func randomDigits(n int) (string, error) {
	buf := make([]byte, 0, n)

	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("reading random digit: %w", err)
		}

		buf = append(buf, byte('0'+d.Int64()))
	}

	return string(buf), nil
}

// GenerateOTPToken produces a per-request proof-of-possession token:
// 7 random digits, 4 random digits, the sentinel block, and the current
// unix-millisecond counter, base64-encoded. The millisecond counter plus
// eleven random digits make collisions across calls vanishingly
// unlikely.
func GenerateOTPToken() (string, error) {
	head, err := randomDigits(7)
	if err != nil {
		return "", err
	}

	mid, err := randomDigits(4)
	if err != nil {
		return "", err
	}

	raw := head + mid + otpSentinel + strconv.FormatInt(time.Now().UnixMilli(), 10)

	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// Signer computes HMAC request digests keyed by the shared client
// secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer for the given shared secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// timestamp formats an instant as ISO-8601 with millisecond precision
// and a UTC Z suffix, the exact form the backend validates.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Digest signs the serialized request body bound to the current
// timestamp and returns the base64 HMAC-SHA256 digest. It writes the
// timestamp into headers under X-Date; the caller supplies the header
// map that will be sent, so the signed and transmitted timestamps
// cannot drift apart.
func (s *Signer) Digest(body []byte, headers http.Header) string {
	ts := timestamp(s.now())
	headers.Set(HeaderDate, ts)

	return s.digestAt(body, ts)
}

func (s *Signer) digestAt(body []byte, ts string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	mac.Write([]byte(ts))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
