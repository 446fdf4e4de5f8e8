package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
)

// Claims are the claims of an upstream-issued principal token. The subject
// is the principal ID; nothing else in the token is trusted for access.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTService signs and validates HS256 principal tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
	parser     *jwt.Parser
}

func NewJWTService(signingKey string, issuer string) *JWTService {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		parser:     jwt.NewParser(opts...),
	}
}

// GenerateAccessToken issues a token for principalID. Production tokens come
// from the identity provider; this exists for tooling and tests.
func (s *JWTService) GenerateAccessToken(principalID id.PrincipalID, expiresIn time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return claims, nil
}
