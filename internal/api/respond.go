package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/apperr"
)

func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, errors.Wrap(err, "encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError renders err with the status and type of its taxonomy class.
// Internal errors are logged and their details hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, typ := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}

	var rl *apperr.RateLimitedError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	var extra func(e *jx.Encoder)
	var pf *apperr.PaymentFailedError
	if errors.As(err, &pf) {
		extra = func(e *jx.Encoder) {
			if pf.IntentID != "" {
				e.Field("paymentIntentId", func(e *jx.Encoder) { e.Str(pf.IntentID) })
			}
			if pf.DeclineCode != "" {
				e.Field("declineCode", func(e *jx.Encoder) { e.Str(pf.DeclineCode) })
			}
		}
	}
	writeProblem(w, status, typ, msg, extra)
}

func writeProblem(w http.ResponseWriter, status int, typ, msg string, extra func(e *jx.Encoder)) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("type", func(e *jx.Encoder) { e.Str(typ) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		if extra != nil {
			extra(e)
		}
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeJSON reads the request body into v. An empty body is accepted only
// when optional is set.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return apperr.Validation("body", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("body", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Validation("body", "invalid JSON: %v", err)
	}
	return nil
}
