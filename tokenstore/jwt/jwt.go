package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/korylprince/ios-app-inventory/tokenstore"
)

// MinKeySize is the smallest HMAC key New accepts, in bytes
const MinKeySize = 32

type claims struct {
	Devices []string `json:"devices"`
	jwt.RegisteredClaims
}

// TokenStore implements a stateless TokenStore using JWTs
type TokenStore struct {
	key []byte
	iss string
	aud []string
	dur time.Duration
}

// New returns a new JWT TokenStore. key must be at least 256 bits. If iss and aud are set, they will be put in the token and verified by Authenticate. dur is used to set the iat, nbf, and exp claims
func New(key []byte, iss string, aud []string, dur time.Duration) (*TokenStore, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("key must be at least %d bytes", MinKeySize)
	}
	return &TokenStore{key: key, iss: iss, aud: aud, dur: dur}, nil
}

// New generates a new token for subject that grants access to devices
func (t *TokenStore) New(subject string, devices []string) (token string, err error) {
	if len(devices) == 0 {
		return "", errors.New("could not sign token: no devices")
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Devices: devices,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.iss,
			Audience:  t.aud,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second * 15)), // allow small time drift
			ExpiresAt: jwt.NewNumericDate(now.Add(t.dur)),
		},
	})

	token, err = tok.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}

	return token, nil
}

// Authenticate authenticates the token and returns the associated grant
func (t *TokenStore) Authenticate(token string) (*tokenstore.Grant, error) {
	c := new(claims)
	_, err := jwt.ParseWithClaims(token, c, func(token *jwt.Token) (interface{}, error) {
		// validate alg
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("invalid signing method: %v", token.Header["alg"])
		}

		return t.key, nil
	})
	if err != nil {
		return nil, &tokenstore.InvalidTokenError{Err: fmt.Errorf("could not parse token: %w", err)}
	}

	if !c.VerifyIssuer(t.iss, t.iss != "") {
		return nil, &tokenstore.InvalidTokenError{Err: fmt.Errorf("invalid issuer: %s", c.Issuer)}
	}

	if len(c.Devices) == 0 {
		return nil, &tokenstore.InvalidTokenError{Err: errors.New("no devices granted")}
	}

	grant := &tokenstore.Grant{Subject: c.Subject, Devices: c.Devices}

	if len(t.aud) == 0 {
		return grant, nil
	}

	for _, a := range t.aud {
		if c.VerifyAudience(a, true) {
			return grant, nil
		}
	}

	return nil, &tokenstore.InvalidTokenError{Err: fmt.Errorf("invalid audience: %v", c.Audience)}
}
