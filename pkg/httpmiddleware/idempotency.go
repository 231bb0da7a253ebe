package httpmiddleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/pkg/idempotency"
)

const (
	IdempotencyKeyHeader     = "Idempotency-Key"
	IdempotentReplayedHeader = "Idempotent-Replayed"
)

// IdempotencyConfig configures the idempotency guard.
type IdempotencyConfig struct {
	Store idempotency.Store
	// TTL is how long a key and its response are remembered.
	TTL time.Duration
	// Required rejects mutating requests without a key.
	Required bool
	// Skip exempts requests, e.g. provider webhooks.
	Skip func(*http.Request) bool
	// WithKey, if set, stores the key in the request context for
	// downstream consumers.
	WithKey func(ctx context.Context, key string) context.Context
	// PollInterval is how often a duplicate polls an in-flight request.
	PollInterval time.Duration
	MaxBodyBytes int64
}

// Idempotency executes a mutating request at most once per key and replays
// the recorded status, content type and body for later requests with the
// same key. A key reused with a different method, path or body is rejected
// with 409. Server errors release the key so the client may retry.
func Idempotency(cfg IdempotencyConfig) Middleware {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
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

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				if cfg.Required {
					writeError(w, http.StatusBadRequest, "validation_error", "Idempotency-Key header is required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				writeError(w, http.StatusBadRequest, "validation_error", "Idempotency-Key is too long")
				return
			}

			body, err := readBody(r, cfg.MaxBodyBytes)
			if err != nil {
				writeBodyError(w, err)
				return
			}
			fp := fingerprint(r.Method, r.URL.Path, body)

			ctx := r.Context()
			lg := zctx.From(ctx).With(zap.String("idempotency_key", key))

			existing, reserved, err := cfg.Store.Reserve(ctx, key, fp, cfg.TTL)
			if err != nil {
				lg.Error("Reserve idempotency key", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal_error", "idempotency store unavailable")
				return
			}
			if !reserved {
				if existing.Fingerprint != fp {
					writeError(w, http.StatusConflict, "idempotency_conflict", "Idempotency-Key reused with a different payload")
					return
				}
				if existing.State == idempotency.StateInFlight {
					existing, err = waitCompleted(ctx, cfg.Store, key, cfg.PollInterval)
					if err != nil {
						writeError(w, http.StatusConflict, "idempotency_conflict", "a request with this Idempotency-Key is still in progress")
						return
					}
				}
				replay(w, existing)
				return
			}

			if cfg.WithKey != nil {
				r = r.WithContext(cfg.WithKey(ctx, key))
			}
			rec := &recordingWriter{ResponseWriter: w}
			completed := false
			defer func() {
				if completed {
					return
				}
				// Panics and 5xx leave the side effect unknown; let the client retry.
				if err := cfg.Store.Release(context.WithoutCancel(ctx), key); err != nil {
					lg.Error("Release idempotency key", zap.Error(err))
				}
			}()

			next.ServeHTTP(rec, r)

			if rec.Status() >= http.StatusInternalServerError {
				return
			}
			err = cfg.Store.Complete(context.WithoutCancel(ctx), &idempotency.Entry{
				Key:         key,
				Fingerprint: fp,
				Status:      rec.Status(),
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				lg.Error("Record idempotent response", zap.Error(err))
				return
			}
			completed = true
		})
	}
}

func fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

var errInFlight = errors.New("request still in flight")

func waitCompleted(ctx context.Context, store idempotency.Store, key string, interval time.Duration) (*idempotency.Entry, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, errInFlight
		case <-ticker.C:
		}
		e, err := store.Get(ctx, key)
		if err != nil {
			// Released after a failure or expired: nothing to replay.
			return nil, errors.Wrap(err, "poll")
		}
		if e.State == idempotency.StateCompleted {
			return e, nil
		}
	}
}

func replay(w http.ResponseWriter, e *idempotency.Entry) {
	if e.ContentType != "" {
		w.Header().Set("Content-Type", e.ContentType)
	}
	w.Header().Set(IdempotentReplayedHeader, "true")
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Body)))
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *recordingWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
