/*
auth.go - Caller identity and privileged access

CALLERS:
  Users present a bearer JWT (HS256). The subject is the account id and
  is the only source of identity: a debit's source is always the caller.

ADMINS:
  Admin routes require the X-Admin-Password header, checked against an
  argon2id hash ($argon2id$v=19$m=...,t=...,p=...$salt$hash). The
  optional X-Admin-Name header is recorded as the actor.

WEBHOOKS:
  The payment gateway sends the shared secret in X-Webhook-Secret.
*/
package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/streamcity/coin-engine/ledger"
)

const (
	headerAdminPassword = "X-Admin-Password"
	headerAdminName     = "X-Admin-Name"
	headerWebhookSecret = "X-Webhook-Secret"

	tokenIssuer = "coin-engine"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

type ctxKey int

const (
	callerKey ctxKey = iota
	adminKey
)

// Auth verifies callers, admins and webhook senders.
type Auth struct {
	jwtSecret     []byte
	adminHash     string
	webhookSecret []byte
}

// NewAuth creates an Auth from the configured secrets.
func NewAuth(jwtSecret, adminPasswordHash, webhookSecret string) *Auth {
	return &Auth{
		jwtSecret:     []byte(jwtSecret),
		adminHash:     adminPasswordHash,
		webhookSecret: []byte(webhookSecret),
	}
}

// IssueToken signs a token for user valid for ttl.
func (a *Auth) IssueToken(user ledger.AccountID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.StandardClaims{
		Subject:   string(user),
		Issuer:    tokenIssuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token and returns its subject.
func (a *Auth) ParseToken(tokenString string) (ledger.AccountID, error) {
	claims := &jwt.StandardClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errUnauthorized
	}
	return ledger.AccountID(claims.Subject), nil
}

// RequireUser rejects requests without a valid bearer token.
func (a *Auth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		user, err := a.ParseToken(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, user)))
	})
}

// RequireAdmin rejects requests without the admin password.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		password := r.Header.Get(headerAdminPassword)
		if password == "" || !VerifyPassword(password, a.adminHash) {
			log.WithField("remote", r.RemoteAddr).Warn("Rejected admin request")
			writeError(w, http.StatusUnauthorized, "Invalid admin credentials", nil)
			return
		}
		name := strings.TrimSpace(r.Header.Get(headerAdminName))
		if name == "" {
			name = "admin"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, name)))
	})
}

// RequireWebhook rejects requests without the shared webhook secret.
func (a *Auth) RequireWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(headerWebhookSecret))
		if len(a.webhookSecret) == 0 || subtle.ConstantTimeCompare(got, a.webhookSecret) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid webhook secret", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerFrom returns the authenticated account id.
func callerFrom(ctx context.Context) ledger.AccountID {
	user, _ := ctx.Value(callerKey).(ledger.AccountID)
	return user
}

func adminFrom(ctx context.Context) string {
	name, _ := ctx.Value(adminKey).(string)
	return name
}

// =============================================================================
// ARGON2ID
// =============================================================================

const (
	argonMemory      uint32 = 64 * 1024
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonKeyLength   uint32 = 32
	argonSaltLength         = 16
)

// HashPassword returns the encoded argon2id hash of password.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks password against an encoded argon2id hash.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Malformed argon2id hash")
		return false
	}

	var (
		memory, iterations uint32
		parallelism        uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Failed to parse argon2id parameters")
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Failed to decode argon2id salt")
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Failed to decode argon2id hash")
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}
