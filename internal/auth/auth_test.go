package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-booking/internal/apperr"
	"github.com/example/ride-booking/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	tk := NewTokens("s3cret", time.Hour, "ops")
	now := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	tk.now = func() time.Time { return now }

	raw, exp, err := tk.Issue(Identity{AccountID: "cust-1", Role: models.RoleCustomer, BookingID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	id, err := tk.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, Identity{AccountID: "cust-1", Role: models.RoleCustomer, BookingID: "b1"}, id)

	t.Run("expired", func(t *testing.T) {
		tk.now = func() time.Time { return now.Add(2 * time.Hour) }
		defer func() { tk.now = func() time.Time { return now } }()
		_, err := tk.Verify(raw)
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokens("other", time.Hour, "ops")
		other.now = tk.now
		_, err := other.Verify(raw)
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})

	t.Run("operator must be the configured account", func(t *testing.T) {
		good, _, _ := tk.Issue(Identity{AccountID: "ops", Role: models.RoleOperator})
		_, err := tk.Verify(good)
		require.NoError(t, err)
		bad, _, _ := tk.Issue(Identity{AccountID: "mallory", Role: models.RoleOperator})
		_, err = tk.Verify(bad)
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})

	t.Run("unsigned tokens are refused", func(t *testing.T) {
		c := claims{Role: models.RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}}
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = tk.Verify(none)
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})

	t.Run("watch scope travels as the audience", func(t *testing.T) {
		watch := Identity{AccountID: "cust-1", Role: models.RoleCustomer, BookingID: "b1", Scope: ScopeWatch}
		raw, _, err := tk.Issue(watch)
		require.NoError(t, err)
		got, err := tk.Verify(raw)
		require.NoError(t, err)
		assert.Equal(t, watch, got)
		assert.False(t, FullAccess(got))
	})

	t.Run("unknown or unbound audience", func(t *testing.T) {
		sign := func(c claims) string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(tk.secret)
			require.NoError(t, err)
			return s
		}
		reg := func(aud ...string) jwt.RegisteredClaims {
			return jwt.RegisteredClaims{Subject: "cust-1", Audience: aud, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}
		}
		for name, c := range map[string]claims{
			"foreign audience":   {Role: models.RoleCustomer, Booking: "b1", RegisteredClaims: reg("billing")},
			"two audiences":      {Role: models.RoleCustomer, Booking: "b1", RegisteredClaims: reg(ScopeWatch, "api")},
			"watch without ride": {Role: models.RoleCustomer, RegisteredClaims: reg(ScopeWatch)},
		} {
			_, err := tk.Verify(sign(c))
			assert.True(t, apperr.Is(err, apperr.KindUnauthorized), name)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		raw, _, _ := tk.Issue(Identity{AccountID: "x", Role: "ADMIN"})
		_, err := tk.Verify(raw)
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})
}

func TestPolicy(t *testing.T) {
	b := &models.Booking{ID: "b1", CustomerID: "cust-1", DriverID: "drv-1"}
	driver := Identity{AccountID: "drv-1", Role: models.RoleDriver}
	otherDriver := Identity{AccountID: "drv-2", Role: models.RoleDriver}
	customer := Identity{AccountID: "cust-1", Role: models.RoleCustomer}
	stranger := Identity{AccountID: "cust-2", Role: models.RoleCustomer}
	operator := Identity{AccountID: "ops", Role: models.RoleOperator}

	assert.True(t, CanDrive(driver, b))
	assert.True(t, CanDrive(operator, b))
	assert.False(t, CanDrive(otherDriver, b))
	assert.False(t, CanDrive(customer, b))

	assert.True(t, CanWatch(customer, b))
	assert.True(t, CanWatch(operator, b))
	assert.False(t, CanWatch(stranger, b))
	assert.False(t, CanWatch(driver, b))

	scoped := Identity{AccountID: "cust-1", Role: models.RoleCustomer, BookingID: "b2"}
	assert.False(t, CanWatch(scoped, b))

	watch := Identity{AccountID: "drv-1", Role: models.RoleDriver, BookingID: "b1", Scope: ScopeWatch}
	assert.False(t, CanDrive(watch, b))
	opWatch := Identity{AccountID: "ops", Role: models.RoleOperator, BookingID: "b1", Scope: ScopeWatch}
	assert.False(t, CanDrive(opWatch, b))
	assert.True(t, CanWatch(opWatch, b))

	assert.True(t, FullAccess(customer))
	assert.False(t, FullAccess(scoped))

	assert.NoError(t, Require(true, "drive"))
	assert.True(t, apperr.Is(Require(false, "drive"), apperr.KindUnauthorized))
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	ctx := WithIdentity(context.Background(), Identity{AccountID: "a", Role: models.RoleDriver})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", id.AccountID)
}
