package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"farmchat/pkg/config"
	"farmchat/pkg/logger"
	"farmchat/pkg/utils"
)

const tokenIssuer = "farmchat"

// ErrTokenAuthDisabled is returned when no signing secret is configured.
var ErrTokenAuthDisabled = errors.New("auth: participant tokens are not configured")

// ParticipantClaims is the JWT payload of a participant token. Subject
// carries the participant id.
type ParticipantClaims struct {
	jwt.RegisteredClaims
}

// MintParticipantToken signs a token for the participant. ttl <= 0 falls
// back to one hour.
func MintParticipantToken(participantID string, ttl time.Duration) (string, error) {
	secret := config.GetTokenSecret()
	if len(secret) == 0 {
		return "", ErrTokenAuthDisabled
	}
	if participantID == "" {
		return "", errors.New("auth: participant id required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := ParticipantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyParticipantToken validates the token and returns the participant id.
func VerifyParticipantToken(tokenString string) (string, error) {
	secret := config.GetTokenSecret()
	if len(secret) == 0 {
		return "", ErrTokenAuthDisabled
	}
	claims := &ParticipantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("auth: invalid token")
	}
	return claims.Subject, nil
}

type ctxParticipantKey struct{}

// RequireParticipantToken verifies the X-Participant-Token header when
// present and injects the verified participant id into the request context.
// Backend and admin callers may omit the token; frontend callers without
// one are rejected by the sender resolver downstream.
func RequireParticipantToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimSpace(r.Header.Get("X-Participant-Token"))
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := VerifyParticipantToken(tok)
		if err != nil {
			logger.Warn("invalid_participant_token", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			utils.JSONError(w, http.StatusUnauthorized, "invalid participant token")
			return
		}
		logger.Debug("participant_token_verified", "participant", id)
		next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), id)))
	})
}

// WithParticipant returns ctx carrying a verified participant id.
func WithParticipant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxParticipantKey{}, id)
}

// ParticipantFromContext returns the verified participant id or "".
func ParticipantFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxParticipantKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func validateSender(s string) (bool, string) {
	if s == "" {
		return false, "sender required"
	}
	if len(s) > 128 {
		return false, "sender too long"
	}
	return true, ""
}

// ResolveSenderFromRequest is the canonical sender resolver handlers call.
// A token-verified participant is authoritative; anything conflicting from
// header or body is a 403. Without a token, backend/admin roles may supply
// a sender via body or the X-Sender-ID header; frontend callers must
// present a token and get 401 without one.
func ResolveSenderFromRequest(r *http.Request, bodySender string) (string, int, string) {
	if id := ParticipantFromContext(r.Context()); id != "" {
		if h := strings.TrimSpace(r.Header.Get("X-Sender-ID")); h != "" && h != id {
			logger.Warn("sender_mismatch_token_header", "token", id, "header", h, "path", r.URL.Path)
			return "", http.StatusForbidden, "sender mismatch between token and header"
		}
		if bodySender != "" && bodySender != id {
			logger.Warn("sender_mismatch_token_body", "token", id, "body", bodySender, "path", r.URL.Path)
			return "", http.StatusForbidden, "sender mismatch between token and body"
		}
		return id, 0, ""
	}

	role := RoleFromRequest(r)
	if role == RoleBackend || role == RoleAdmin {
		if bodySender != "" {
			if ok, msg := validateSender(bodySender); !ok {
				return "", http.StatusBadRequest, msg
			}
			return bodySender, 0, ""
		}
		if h := strings.TrimSpace(r.Header.Get("X-Sender-ID")); h != "" {
			if ok, msg := validateSender(h); !ok {
				return "", http.StatusBadRequest, msg
			}
			return h, 0, ""
		}
		logger.Warn("backend_missing_sender", "path", r.URL.Path)
		return "", http.StatusBadRequest, "sender required for backend requests"
	}

	logger.Warn("missing_participant_token", "role", role.String(), "path", r.URL.Path)
	return "", http.StatusUnauthorized, "missing or invalid participant token"
}
