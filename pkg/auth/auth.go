package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrEmptySubject = errors.New("subject is required")
)

// Authenticator decides whether a bearer token is acceptable
type Authenticator interface {
	Authenticate(token string) error
}

// StaticToken accepts exactly one shared token
type StaticToken string

// Authenticate compares in constant time
func (s StaticToken) Authenticate(token string) error {
	if s == "" || !SecureCompare(string(s), token) {
		return ErrInvalidToken
	}
	return nil
}

// Any accepts a token if any of the authenticators does
type Any []Authenticator

func (a Any) Authenticate(token string) error {
	err := ErrInvalidToken
	for _, auth := range a {
		if auth == nil {
			continue
		}
		e := auth.Authenticate(token)
		if e == nil {
			return nil
		}
		if errors.Is(e, ErrTokenExpired) {
			err = e
		}
	}
	return err
}

// TokenManager issues short-lived tokens and keeps only their bcrypt hashes.
// Tokens have the form "<subject>.<secret>".
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
	now    func() time.Time
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	Subject   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TokenInfo),
		now:    time.Now,
	}
}

// GenerateToken issues a token for subject, replacing any previous one
func (tm *TokenManager) GenerateToken(subject string, duration time.Duration) (string, time.Time, error) {
	if subject == "" || strings.Contains(subject, ".") {
		return "", time.Time{}, ErrEmptySubject
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to hash token: %w", err)
	}

	now := tm.now()
	expires := now.Add(duration)

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[subject] = &TokenInfo{
		Hash:      string(hash),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: expires,
	}

	return subject + "." + secret, expires, nil
}

// Authenticate validates a token issued by GenerateToken
func (tm *TokenManager) Authenticate(token string) error {
	subject, secret, ok := strings.Cut(token, ".")
	if !ok || subject == "" || secret == "" {
		return ErrInvalidToken
	}

	tm.mu.RLock()
	info, ok := tm.tokens[subject]
	tm.mu.RUnlock()
	if !ok {
		return ErrInvalidToken
	}

	if tm.now().After(info.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(secret)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// RevokeToken revokes the token for a subject
func (tm *TokenManager) RevokeToken(subject string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, subject)
}

// CleanupExpiredTokens removes expired tokens and returns how many were dropped
func (tm *TokenManager) CleanupExpiredTokens() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	removed := 0
	for subject, info := range tm.tokens {
		if now.After(info.ExpiresAt) {
			delete(tm.tokens, subject)
			removed++
		}
	}
	return removed
}

// Middleware requires "Authorization: Bearer <token>" on every path except the exempt ones
func Middleware(token string, exempt ...string) func(http.Handler) http.Handler {
	return Require(StaticToken(token), exempt...)
}

// Require is Middleware for an arbitrary Authenticator
func Require(a Authenticator, exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			if err := a.Authenticate(token); err != nil {
				unauthorized(w, err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="playscope"`)
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
