// Package authmw provides bearer-token authentication for staff routes.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type staffKey struct{}

// StaffFrom returns the staff name attached by BearerToken, or "".
func StaffFrom(ctx context.Context) string {
	s, _ := ctx.Value(staffKey{}).(string)
	return s
}

// BearerToken returns middleware that admits requests whose Authorization
// header carries one of the configured tokens. tokens maps token to staff
// name; the matched name is available to handlers via StaffFrom. Every
// configured token is compared in constant time so the position of a match
// does not leak through timing.
func BearerToken(tokens map[string]string) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		name  string
	}
	entries := make([]entry, 0, len(tokens))
	for tok, name := range tokens {
		if tok == "" {
			continue
		}
		entries = append(entries, entry{token: []byte(tok), name: name})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			got := []byte(auth[len("Bearer "):])

			name, ok := "", false
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					name, ok = e.name, true
				}
			}
			if !ok {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), staffKey{}, name)))
		})
	}
}

// ParseTokens parses "name:token,name:token". An entry without a colon is a
// token for the staff name "staff". Blank entries are skipped.
func ParseTokens(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, tok, found := strings.Cut(part, ":")
		if !found {
			name, tok = "staff", part
		}
		name, tok = strings.TrimSpace(name), strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		out[tok] = name
	}
	return out
}
