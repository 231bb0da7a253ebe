package httpmiddleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/pkg/signature"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func TestSignature(t *testing.T) {
	secret := []byte("merchant-secret")
	verifier, err := signature.NewVerifier(secret, 5*time.Minute)
	require.NoError(t, err)
	signer := signature.NewSigner(secret)

	body := `{"items":[{"productId":"widget","quantity":1}]}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	validSig := signer.Sign(ts, []byte(body))
	staleTS := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		timestamp  string
		sig        string
		wantStatus int
	}{
		{"valid", http.MethodPost, "/checkout", body, ts, validSig, http.StatusOK},
		{"get exempt", http.MethodGet, "/checkout/cs_1", "", "", "", http.StatusOK},
		{"options exempt", http.MethodOptions, "/checkout", "", "", "", http.StatusOK},
		{"missing", http.MethodPost, "/checkout", body, "", "", http.StatusUnauthorized},
		{"tampered body", http.MethodPost, "/checkout", strings.Replace(body, "1", "2", 1), ts, validSig, http.StatusUnauthorized},
		{"stale", http.MethodPost, "/checkout", body, staleTS, signer.Sign(staleTS, []byte(body)), http.StatusUnauthorized},
		{"garbage signature", http.MethodPost, "/checkout", body, ts, "zz", http.StatusUnauthorized},
		{"webhook skipped", http.MethodPost, "/webhooks/payments", body, "", "", http.StatusOK},
	}

	handler := Signature(SignatureConfig{
		Verifier: verifier,
		Skip: func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.Path, "/webhooks/")
		},
	})(echoHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.timestamp != "" {
				req.Header.Set("X-UCP-Timestamp", tt.timestamp)
			}
			if tt.sig != "" {
				req.Header.Set("X-UCP-Signature", tt.sig)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), `"type":"auth_error"`)
			}
		})
	}
}

func TestSignature_BodyRestored(t *testing.T) {
	secret := []byte("s")
	verifier, err := signature.NewVerifier(secret, time.Minute)
	require.NoError(t, err)
	ts, sig := signature.NewSigner(secret).SignNow([]byte("payload"))

	handler := Signature(SignatureConfig{
		Verifier:        verifier,
		TimestampHeader: "X-Ts",
		SignatureHeader: "X-Sig",
	})(echoHandler())

	req := httptest.NewRequest(http.MethodPatch, "/checkout/cs_1", strings.NewReader("payload"))
	req.Header.Set("X-Ts", ts)
	req.Header.Set("X-Sig", sig)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "payload", w.Body.String())
}

func TestSignature_BodyTooLarge(t *testing.T) {
	verifier, err := signature.NewVerifier([]byte("s"), time.Minute)
	require.NoError(t, err)

	handler := Signature(SignatureConfig{Verifier: verifier, MaxBodyBytes: 4})(echoHandler())

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader("too long"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
