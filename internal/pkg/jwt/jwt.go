package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const PurposeTwoFactor = "2fa"

var (
	ErrExpiredToken     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidClaims    = errors.New("invalid token claims")
)

// Claims of an access token. A challenge token reuses the shape with Purpose set
// and no session.
type Claims struct {
	AccountID   int64  `json:"account_id"`
	CompanyID   int64  `json:"company_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Role        string `json:"role,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	jwtlib.RegisteredClaims
}

type Service struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

type Option func(*Service)

func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(secret string, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.ttl }

// GenerateToken signs an access token for one session. The jti is fresh per token.
func (s *Service) GenerateToken(accountID, companyID int64, sessionID, role string) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		AccountID: accountID,
		CompanyID: companyID,
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// GenerateChallenge signs the short-lived token handed out between password
// verification and the second factor.
func (s *Service) GenerateChallenge(accountID int64, fingerprint string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		AccountID:   accountID,
		Purpose:     PurposeTwoFactor,
		Fingerprint: fingerprint,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	return s.sign(claims)
}

func (s *Service) sign(claims *Claims) (string, error) {
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken checks signature and expiry of an access token and requires its
// account, session, role and id claims.
func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != "" || claims.SessionID == "" || claims.Role == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

func (s *Service) ValidateChallenge(tokenStr string) (*Claims, error) {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeTwoFactor {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

func (s *Service) parse(tokenStr string) (*Claims, error) {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(s.issuer))
	}
	parser := jwtlib.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (any, error) {
		return s.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return nil, ErrExpiredToken
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid), errors.Is(err, jwtlib.ErrTokenUnverifiable):
		return nil, ErrInvalidSignature
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return nil, ErrMalformedToken
	default:
		return nil, ErrInvalidClaims
	}
	if !token.Valid {
		return nil, ErrInvalidClaims
	}

	if claims.AccountID <= 0 || strings.TrimSpace(claims.ID) == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
