package ipcbackend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// loadClaims is the load-token payload: an assertion of which trusted
// image path the presenting client is authorized to start, signed by a
// key shared between the untrusted Backend and the trusted-side Server.
type loadClaims struct {
	jwt.RegisteredClaims
	Path string `json:"path"`
}

// signLoadToken builds and signs a load token asserting path, valid for
// ttl from now.
func signLoadToken(path string, signingKey []byte, ttl time.Duration) (string, error) {
	claims := loadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Path: path,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}

// verifyLoadToken checks token's signature and expiry against signingKey
// and confirms it asserts exactly wantPath.
func verifyLoadToken(token string, signingKey []byte, wantPath string) error {
	claims := new(loadClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("ipcbackend: unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: token not valid", ErrHandshakeFailed)
	}
	if claims.Path != wantPath {
		return fmt.Errorf("%w: token asserts path %q, want %q", ErrHandshakeFailed, claims.Path, wantPath)
	}
	return nil
}
