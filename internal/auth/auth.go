// Package auth issues and checks the HS256 room tokens presented to the
// relay.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// DefaultTTL is the validity of an issued token.
const DefaultTTL = 24 * time.Hour

var (
	ErrWeakSecret   = errors.New("secret must be at least 32 characters long")
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongRoom    = errors.New("token is for another room")
)

// Claims grant one client access to one room.
type Claims struct {
	Room     string `json:"room"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Keys signs and verifies room tokens.
type Keys struct {
	secret []byte
}

// New checks the secret and returns signing keys.
func New(secret string) (*Keys, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Keys{secret: []byte(secret)}, nil
}

// Issue creates a token for client in room, valid for ttl.
func (k *Keys) Issue(room, clientID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := Claims{
		Room:     room,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   clientID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks that it grants access to room. An empty
// room skips the room check.
func (k *Keys) Verify(tokenString, room string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return k.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	if room != "" && claims.Room != room {
		return nil, ErrWrongRoom
	}
	return claims, nil
}
