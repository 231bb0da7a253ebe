// Package signature implements HMAC-SHA256 request signing.
//
// The signed payload is the decimal unix timestamp, a dot, and the raw body:
//
//	hex(HMAC-SHA256(secret, timestamp + "." + body))
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

var (
	ErrMissing        = errors.New("missing signature or timestamp")
	ErrMalformed      = errors.New("malformed signature header")
	ErrStaleTimestamp = errors.New("timestamp outside tolerance window")
	ErrMismatch       = errors.New("signature mismatch")
	ErrSecretRequired = errors.New("signing secret is required")
	ErrBadTolerance   = errors.New("tolerance must be positive")
)

// Signer produces signatures for outbound payloads.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature of body at timestamp.
func (s *Signer) Sign(timestamp string, body []byte) string {
	return compute(s.secret, timestamp, body)
}

// SignNow signs body with the current time and returns both parts.
func (s *Signer) SignNow(body []byte) (timestamp, sig string) {
	timestamp = strconv.FormatInt(s.now().Unix(), 10)
	return timestamp, s.Sign(timestamp, body)
}

// Header renders a combined "t=<unix>,v1=<hex>" header value.
func (s *Signer) Header(body []byte) string {
	ts, sig := s.SignNow(body)
	return "t=" + ts + ",v1=" + sig
}

// Verifier checks inbound signatures.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a Verifier accepting timestamps within tolerance of
// the local clock in either direction.
func NewVerifier(secret []byte, tolerance time.Duration) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	if tolerance <= 0 {
		return nil, ErrBadTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}, nil
}

// Verify checks sig against body signed at timestamp.
func (v *Verifier) Verify(timestamp, sig string, body []byte) error {
	if timestamp == "" || sig == "" {
		return ErrMissing
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Wrap(ErrMalformed, "timestamp")
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return errors.Wrap(ErrMalformed, "signature encoding")
	}
	want, _ := hex.DecodeString(compute(v.secret, timestamp, body))
	if !hmac.Equal(got, want) {
		return ErrMismatch
	}
	return nil
}

// VerifyHeader checks a combined "t=<unix>,v1=<hex>" header value.
func (v *Verifier) VerifyHeader(header string, body []byte) error {
	ts, sig, err := ParseHeader(header)
	if err != nil {
		return err
	}
	return v.Verify(ts, sig, body)
}

// ParseHeader splits a "t=<unix>,v1=<hex>" header value.
func ParseHeader(header string) (timestamp, sig string, err error) {
	if header == "" {
		return "", "", ErrMissing
	}
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return "", "", ErrMalformed
		}
		switch k {
		case "t":
			timestamp = val
		case "v1":
			sig = val
		}
	}
	if timestamp == "" || sig == "" {
		return "", "", ErrMalformed
	}
	return timestamp, sig, nil
}

func compute(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
