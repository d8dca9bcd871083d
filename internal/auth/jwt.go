// Package auth protects the control API with HS256 bearer tokens. Tokens
// are minted out of band (the `token` CLI subcommand) and presented by
// remote-control clients; there is no interactive login flow.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "sonos-remote"
	audience = "sonos-remote-client"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims carried by every issued token.
type Claims struct {
	ClientName string `json:"clientName"`
	jwt.RegisteredClaims
}

// GenerateToken mints a bearer token for a named client.
func GenerateToken(secret, clientName string, ttl time.Duration) (string, error) {
	if clientName == "" {
		return "", errors.New("client name is required")
	}
	now := time.Now()
	claims := Claims{
		ClientName: clientName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientName,
			Issuer:    issuer,
			Audience:  []string{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken parses and validates a bearer token.
func VerifyToken(secret, token string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if parsed == nil || !parsed.Valid || claims.ClientName == "" {
		return Claims{}, ErrTokenInvalid
	}
	return *claims, nil
}
