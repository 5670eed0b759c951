// Package auth verifies bearer tokens presented to the Router API's
// publish endpoint. It is deliberately narrow: verification only, no
// issuance, grounded on the teacher's own JWT claim-validation approach
// but trimmed down to what a service-to-service publisher needs.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for a malformed, expired, or
	// wrong-issuer token.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates bearer tokens against a configured issuer, using
// either an RSA public key (RS256) or an HMAC secret (HS256),
// whichever was configured.
type Verifier struct {
	issuer     string
	publicKey  *rsa.PublicKey
	hmacSecret []byte
}

// NewVerifier builds a Verifier from configuration. At least one of
// publicKeyPath or hmacSecret must be set.
func NewVerifier(issuer, publicKeyPath, hmacSecret string) (*Verifier, error) {
	v := &Verifier{issuer: issuer}

	if publicKeyPath != "" {
		pemBytes, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWT public key: %w", err)
		}
		v.publicKey = key
	}

	if hmacSecret != "" {
		v.hmacSecret = []byte(hmacSecret)
	}

	if v.publicKey == nil && len(v.hmacSecret) == 0 {
		return nil, errors.New("JWT verifier requires a public key path or an HMAC secret")
	}

	return v, nil
}

// Verify parses and validates tokenString, returning its claims.
func (v *Verifier) Verify(tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA:
			if v.publicKey == nil {
				return nil, ErrInvalidToken
			}
			return v.publicKey, nil
		case *jwt.SigningMethodHMAC:
			if len(v.hmacSecret) == 0 {
				return nil, ErrInvalidToken
			}
			return v.hmacSecret, nil
		default:
			return nil, ErrInvalidToken
		}
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != v.issuer {
			return nil, ErrInvalidToken
		}
	}

	return claims, nil
}
