package ingress

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// streamTokenTTL bounds how long a minted stream token stays valid. Streams
// connect within seconds of the call-control response; an hour absorbs
// carrier retries and clock skew.
const streamTokenTTL = time.Hour

// streamClaims bind a media-stream bearer token to one call.
type streamClaims struct {
	CallID string `json:"call_id"`
	jwt.RegisteredClaims
}

// MintStreamToken creates the signed token embedded in the call-control
// response; the media stream must present it before any audio is bridged.
func MintStreamToken(secret []byte, callID string) (string, error) {
	now := time.Now()
	claims := streamClaims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(streamTokenTTL)),
			Issuer:    "voicegate",
			Subject:   callID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign stream token: %w", err)
	}
	return signed, nil
}

// VerifyStreamToken validates a stream token and returns the call id it was
// minted for.
func VerifyStreamToken(secret []byte, tokenString string) (string, error) {
	claims := &streamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse stream token: %w", err)
	}
	if !token.Valid || claims.CallID == "" {
		return "", fmt.Errorf("invalid stream token claims")
	}
	return claims.CallID, nil
}
