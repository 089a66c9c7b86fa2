package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

// Claims bind a session token to one node and its hardware identity.
type Claims struct {
	NodeID     string `json:"nid"`
	HardwareID string `json:"hw"`
	jwt.RegisteredClaims
}

func secret() []byte {
	s := os.Getenv("HUB_TOKEN_SECRET")
	if s == "" {
		s = "change-me-secret"
	}
	return []byte(s)
}

// Generate issues a session token for the node; carried in welcome and
// echoed on every authed control message.
func Generate(nodeID, hardwareID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		NodeID:     nodeID,
		HardwareID: hardwareID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

// Parse validates a session token and returns its claims.
func Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret(), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}
