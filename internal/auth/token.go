package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CoreVine/Tride-backend-sub000/internal/models"
)

// Claims carried by a connection credential.
type Claims struct {
	AccountType models.AccountType `json:"account_type"`
	jwt.RegisteredClaims
}

// TokenVerifier checks signature and expiry of a bearer credential against
// the shared secret.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", models.ErrUnauthenticated)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid claims", models.ErrUnauthenticated)
	}
	return claims, nil
}

// Fingerprint derives the revocation-set key from the credential's stable
// claims. The raw credential is never stored.
func Fingerprint(c *Claims) string {
	var iat, exp int64
	if c.IssuedAt != nil {
		iat = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Unix()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", c.Subject, c.ID, iat, exp)))
	return hex.EncodeToString(sum[:])
}
