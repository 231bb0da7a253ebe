package signature

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(secret, 5*time.Minute)
	require.NoError(t, err)
	v.now = func() time.Time { return now }
	return v
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"paymentMethod":"tok_visa"}`)
	sig := NewSigner(secret).Sign(ts, body)

	tests := []struct {
		name    string
		ts      string
		sig     string
		body    []byte
		wantErr error
	}{
		{name: "valid", ts: ts, sig: sig, body: body},
		{name: "missing signature", ts: ts, body: body, wantErr: ErrMissing},
		{name: "missing timestamp", sig: sig, body: body, wantErr: ErrMissing},
		{name: "malformed timestamp", ts: "yesterday", sig: sig, body: body, wantErr: ErrMalformed},
		{name: "non hex signature", ts: ts, sig: "zz", body: body, wantErr: ErrMalformed},
		{
			name: "stale timestamp", body: body, wantErr: ErrStaleTimestamp,
			ts:  strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10),
			sig: NewSigner(secret).Sign(strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10), body),
		},
		{
			name: "future timestamp", body: body, wantErr: ErrStaleTimestamp,
			ts:  strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10),
			sig: NewSigner(secret).Sign(strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10), body),
		},
		{name: "wrong secret", ts: ts, sig: NewSigner([]byte("other")).Sign(ts, body), body: body, wantErr: ErrMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestVerifier(t, now).Verify(tt.ts, tt.sig, tt.body)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestVerify_TamperedBodyByte(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"amount":"100.00"}`)
	sig := NewSigner(secret).Sign(ts, body)
	v := newTestVerifier(t, now)

	require.NoError(t, v.Verify(ts, sig, body))

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		require.ErrorIs(t, v.Verify(ts, sig, tampered), ErrMismatch, "byte %d", i)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	s := NewSigner(secret)
	s.now = func() time.Time { return now }
	body := []byte(`{"type":"payment_intent.succeeded"}`)

	header := s.Header(body)
	assert.Contains(t, header, "t=1750000000,v1=")
	require.NoError(t, newTestVerifier(t, now).VerifyHeader(header, body))

	_, _, err := ParseHeader("garbage")
	require.ErrorIs(t, err, ErrMalformed)
	_, _, err = ParseHeader("t=1")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(nil, time.Minute)
	require.ErrorIs(t, err, ErrSecretRequired)
}

func TestNewVerifier_RequiresTolerance(t *testing.T) {
	for _, tolerance := range []time.Duration{0, -time.Second} {
		_, err := NewVerifier([]byte("s3cret"), tolerance)
		require.ErrorIs(t, err, ErrBadTolerance)
	}
}
