// Package auth issues and verifies the bearer tokens used by the API and the
// tracking channels, and decides which identities may act on a booking.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
)

// Identity is the authenticated caller.
type Identity struct {
	AccountID string      `json:"account_id"`
	Role      models.Role `json:"role"`
	// BookingID limits a token to one booking. Empty means unscoped.
	BookingID string `json:"booking_id,omitempty"`
	// Scope narrows what the token is good for. Empty means the full API.
	Scope string `json:"scope,omitempty"`
}

// ScopeWatch marks a token that may only observe one booking's tracking
// channel. It is carried as the JWT audience.
const ScopeWatch = "tracking:watch"

type claims struct {
	Role    models.Role `json:"role"`
	Booking string      `json:"booking,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs HS256 tokens. The operator account is fixed at startup; an
// OPERATOR token for any other subject is rejected.
type Tokens struct {
	secret     []byte
	ttl        time.Duration
	operatorID string
	now        func() time.Time
}

func NewTokens(secret string, ttl time.Duration, operatorID string) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, operatorID: operatorID, now: time.Now}
}

// Issue signs a token for id valid for the configured TTL.
func (t *Tokens) Issue(id Identity) (string, time.Time, error) {
	if id.AccountID == "" {
		return "", time.Time{}, errors.New("identity without account")
	}
	now := t.now()
	exp := now.Add(t.ttl)
	c := claims{
		Role:    id.Role,
		Booking: id.BookingID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if id.Scope != "" {
		c.Audience = jwt.ClaimStrings{id.Scope}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, exp, nil
}

// Verify parses a token and returns the identity it carries.
func (t *Tokens) Verify(raw string) (Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindUnauthorized, "invalid or expired token", err)
	}
	id := Identity{AccountID: c.Subject, Role: c.Role, BookingID: c.Booking}
	switch len(c.Audience) {
	case 0:
	case 1:
		id.Scope = c.Audience[0]
	default:
		return Identity{}, apperr.New(apperr.KindUnauthorized, "token has more than one audience")
	}
	switch id.Scope {
	case "":
	case ScopeWatch:
		if id.BookingID == "" {
			return Identity{}, apperr.New(apperr.KindUnauthorized, "watch token without booking")
		}
	default:
		return Identity{}, apperr.Newf(apperr.KindUnauthorized, "unknown token audience %q", id.Scope)
	}
	switch id.Role {
	case models.RoleCustomer, models.RoleDriver:
	case models.RoleOperator:
		if id.AccountID != t.operatorID {
			return Identity{}, apperr.New(apperr.KindUnauthorized, "unknown operator")
		}
	default:
		return Identity{}, apperr.New(apperr.KindUnauthorized, "token has no valid role")
	}
	if id.AccountID == "" {
		return Identity{}, apperr.New(apperr.KindUnauthorized, "token has no subject")
	}
	return id, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
