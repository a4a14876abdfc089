package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	pkgerrors "github.com/honeynil/creditledger/pkg/errors"
)

const accountIDClaim = "account_id"

// GenerateAccessToken issues an HS256 token for accountID. Tokens are minted
// by the identity service; this is used by tooling and tests.
func GenerateAccessToken(secret string, accountID int64, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret not set")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		accountIDClaim: accountID,
		"exp":          time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

// ParseAccountToken validates tokenStr and returns the account it was issued
// for.
func ParseAccountToken(secret, tokenStr string) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return 0, fmt.Errorf("%w: invalid token", pkgerrors.ErrUnauthenticated)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: invalid token claims", pkgerrors.ErrUnauthenticated)
	}

	// Numeric claims decode as float64.
	raw, ok := claims[accountIDClaim].(float64)
	if !ok || raw <= 0 {
		return 0, fmt.Errorf("%w: invalid account_id in token", pkgerrors.ErrUnauthenticated)
	}
	return int64(raw), nil
}
