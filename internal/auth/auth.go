// Package auth maps bearer tokens to caller identities.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// IdentityHeader names the caller when token auth is disabled.
const IdentityHeader = "X-Oramcp-User"

// Anonymous is the identity of callers that name no one.
const Anonymous = "anonymous"

// ErrInvalidToken is returned for a missing or unknown token.
var ErrInvalidToken = errors.New("auth: invalid token")

// Token binds a bcrypt hash to the identity it authenticates.
type Token struct {
	Identity string
	Hash     string
}

type cached struct {
	identity string
	expires  time.Time
}

// Authenticator checks bearer tokens against bcrypt hashes. Successful
// lookups are cached by token digest so bcrypt runs once per token per TTL.
type Authenticator struct {
	tokens []Token
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[[sha256.Size]byte]cached
}

// NewAuthenticator creates an Authenticator. Panics if a hash is not a bcrypt
// hash or an identity is empty.
func NewAuthenticator(tokens []Token, ttl time.Duration, logger zerolog.Logger) *Authenticator {
	for _, t := range tokens {
		if strings.TrimSpace(t.Identity) == "" {
			panic("auth: token identity must not be empty")
		}
		if _, err := bcrypt.Cost([]byte(t.Hash)); err != nil {
			panic("auth: token hash for " + t.Identity + " is not a bcrypt hash")
		}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Authenticator{
		tokens: append([]Token(nil), tokens...),
		ttl:    ttl,
		logger: logger,
		cache:  make(map[[sha256.Size]byte]cached),
	}
}

// Authenticate returns the identity that token belongs to.
func (a *Authenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	key := sha256.Sum256([]byte(token))
	now := time.Now()

	a.mu.Lock()
	if c, ok := a.cache[key]; ok && now.Before(c.expires) {
		a.mu.Unlock()
		return c.identity, nil
	}
	a.mu.Unlock()

	for _, t := range a.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) == nil {
			a.mu.Lock()
			a.cache[key] = cached{identity: t.Identity, expires: now.Add(a.ttl)}
			a.mu.Unlock()
			return t.Identity, nil
		}
	}
	return "", ErrInvalidToken
}

// HashToken returns a bcrypt hash suitable for the config file.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

type ctxKey struct{}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFrom returns the identity stored in ctx, or "".
func IdentityFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware resolves the caller identity. With a nil Authenticator the
// identity header is trusted; otherwise a valid bearer token is required.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				id := strings.TrimSpace(r.Header.Get(IdentityHeader))
				if id == "" {
					id = Anonymous
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			id, err := a.Authenticate(strings.TrimSpace(token))
			if err != nil {
				a.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("rejected request with invalid token")
				http.Error(w, `{"error":"invalid bearer token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
