package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type operatorKey struct{}

// WithOperator stores the authenticated operator name on ctx.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey{}, name)
}

// OperatorFrom returns the operator authenticated by OperatorAuth.
func OperatorFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(operatorKey{}).(string)
	return name, ok && name != ""
}

type operator struct {
	name   string
	digest [sha256.Size]byte
}

// OperatorAuth guards operator-only routes with per-operator bearer tokens.
type OperatorAuth struct {
	operators []operator
}

// NewOperatorAuth builds the guard from operator name to token. Tokens must
// be at least 16 bytes and unique.
func NewOperatorAuth(tokens map[string]string) (*OperatorAuth, error) {
	if len(tokens) == 0 {
		return nil, errors.New("no operators configured")
	}
	a := &OperatorAuth{}
	seen := make(map[[sha256.Size]byte]string, len(tokens))
	for name, token := range tokens {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("operator name is required")
		}
		if len(token) < 16 {
			return nil, fmt.Errorf("operator %s: token must be at least 16 bytes", name)
		}
		d := sha256.Sum256([]byte(token))
		if other, dup := seen[d]; dup {
			return nil, fmt.Errorf("operators %s and %s share a token", other, name)
		}
		seen[d] = name
		a.operators = append(a.operators, operator{name: name, digest: d})
	}
	return a, nil
}

// authenticate compares against every operator so timing does not reveal
// which one matched.
func (a *OperatorAuth) authenticate(token string) (string, bool) {
	d := sha256.Sum256([]byte(token))
	matched := ""
	for _, op := range a.operators {
		if subtle.ConstantTimeCompare(d[:], op.digest[:]) == 1 {
			matched = op.name
		}
	}
	return matched, matched != ""
}

// Middleware rejects requests without a valid "Authorization: Bearer" token
// and attaches the operator name to the request context.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			unauthorized(w, "operator bearer token required")
			return
		}
		name, ok := a.authenticate(parts[1])
		if !ok {
			slog.Warn("operator authentication failed", "path", r.URL.Path, "remote", r.RemoteAddr)
			unauthorized(w, "invalid operator token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), name)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="vecgate-operator"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}
