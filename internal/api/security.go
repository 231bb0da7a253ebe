package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/xenking/ucp-merchant/internal/apperr"
)

// APIKeyHeader carries the merchant key on back-office requests.
const APIKeyHeader = "X-API-Key"

func hashKeys(keys []string) [][]byte {
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		sum := sha256.Sum256([]byte(k))
		out = append(out, sum[:])
	}
	return out
}

// requireMerchantKey authenticates back-office requests by hashing the
// presented key and comparing it against every configured hash in constant
// time.
func (h *Handler) requireMerchantKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.keyHashes) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, r, &apperr.AuthError{Reason: "missing api key"})
			return
		}
		sum := sha256.Sum256([]byte(key))
		match := 0
		for _, stored := range h.keyHashes {
			match |= subtle.ConstantTimeCompare(sum[:], stored)
		}
		if match != 1 {
			writeError(w, r, &apperr.AuthError{Reason: "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
