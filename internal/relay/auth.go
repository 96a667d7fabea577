package relay

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wayfarer/realtime/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 bearer token for userID. The relay itself is
// not the session issuer in production; this exists for tooling and tests.
func IssueToken(userID domain.UserID, secret string, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("missing secret")
	}
	now := time.Now()
	claims := Claims{
		UserID: string(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken returns the authenticated userID or ErrInvalidToken.
func VerifyToken(token, secret string) (domain.UserID, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	user := domain.UserID(claims.UserID)
	if err := user.Validate(); err != nil {
		return "", ErrInvalidToken
	}
	return user, nil
}
