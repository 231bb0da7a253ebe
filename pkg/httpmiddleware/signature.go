package httpmiddleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/pkg/signature"
)

const defaultMaxBodyBytes = 1 << 20

// SignatureConfig configures request signature verification.
type SignatureConfig struct {
	Verifier        *signature.Verifier
	TimestampHeader string
	SignatureHeader string
	// Skip exempts requests from verification, e.g. provider webhooks that
	// carry their own signature scheme.
	Skip func(*http.Request) bool
	// MaxBodyBytes limits the body read for verification.
	MaxBodyBytes int64
}

// Signature rejects mutating requests whose HMAC signature does not match
// the raw body or whose timestamp is outside the verifier's tolerance.
// GET, HEAD and OPTIONS are exempt. The body is restored for the next
// handler.
func Signature(cfg SignatureConfig) Middleware {
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = "X-UCP-Timestamp"
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-UCP-Signature"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) || (cfg.Skip != nil && cfg.Skip(r)) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := readBody(r, cfg.MaxBodyBytes)
			if err != nil {
				writeBodyError(w, err)
				return
			}

			err = cfg.Verifier.Verify(
				r.Header.Get(cfg.TimestampHeader),
				r.Header.Get(cfg.SignatureHeader),
				body,
			)
			if err != nil {
				zctx.From(r.Context()).Warn("Rejected request signature",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, "auth_error", signatureReason(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func signatureReason(err error) string {
	switch {
	case errors.Is(err, signature.ErrMissing):
		return "missing signature or timestamp"
	case errors.Is(err, signature.ErrStaleTimestamp):
		return "stale timestamp"
	case errors.Is(err, signature.ErrMalformed):
		return "malformed signature"
	default:
		return "invalid signature"
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads the whole body and replaces r.Body with a fresh reader over
// the same bytes.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "validation_error", "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "validation_error", "unreadable request body")
}
