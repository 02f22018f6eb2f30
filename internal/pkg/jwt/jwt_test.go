package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGenerateAndValidate_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := New("secret", 15*time.Minute, WithIssuer("bizdesk"), WithClock(fixedClock(now)))

	token, issued, err := svc.GenerateToken(42, 7, "sess-1", "owner")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ID)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.AccountID)
	assert.Equal(t, int64(7), claims.CompanyID)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "owner", claims.Role)
	assert.Equal(t, issued.ID, claims.ID)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestValidateToken_Expired(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := now
	svc := New("secret", time.Minute, WithClock(func() time.Time { return current }))

	token, _, err := svc.GenerateToken(1, 1, "s", "staff")
	require.NoError(t, err)

	current = now.Add(2 * time.Minute)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, _, err := New("secret-a", time.Minute).GenerateToken(1, 1, "s", "staff")
	require.NoError(t, err)

	_, err = New("secret-b", time.Minute).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateToken_Malformed(t *testing.T) {
	_, err := New("secret", time.Minute).ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{
		AccountID: 1,
		SessionID: "s",
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        "x",
			IssuedAt:  jwtlib.NewNumericDate(time.Now()),
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	unsigned, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = New("secret", time.Minute).ValidateToken(unsigned)
	assert.Error(t, err)
}

func TestValidateToken_MissingRequiredClaims(t *testing.T) {
	secret := "secret"
	claims := Claims{
		Role: "owner",
		RegisteredClaims: jwtlib.RegisteredClaims{
			IssuedAt:  jwtlib.NewNumericDate(time.Now()),
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = New(secret, time.Minute).ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestValidateToken_MissingRole(t *testing.T) {
	svc := New("secret", time.Minute)

	token, _, err := svc.GenerateToken(1, 1, "s", "")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestValidateToken_WrongClaimType(t *testing.T) {
	secret := "secret"
	raw := jwtlib.MapClaims{
		"account_id": "forty-two",
		"session_id": "s",
		"jti":        "x",
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(time.Minute).Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, raw).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = New(secret, time.Minute).ValidateToken(signed)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestChallenge_NotAcceptedAsAccessToken(t *testing.T) {
	svc := New("secret", 15*time.Minute)

	challenge, err := svc.GenerateChallenge(9, "fp", 5*time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(challenge)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	claims, err := svc.ValidateChallenge(challenge)
	require.NoError(t, err)
	assert.Equal(t, int64(9), claims.AccountID)
	assert.Equal(t, "fp", claims.Fingerprint)

	access, _, err := svc.GenerateToken(9, 1, "s", "owner")
	require.NoError(t, err)
	_, err = svc.ValidateChallenge(access)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}
