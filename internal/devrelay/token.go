package devrelay

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieClaims is what a session cookie asserts: which device the holder
// may view and until when.
type CookieClaims struct {
	DeviceID  string
	ExpiresAt time.Time
}

type cookieClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// CookieManager issues and verifies the opaque session cookies carried by
// viewers. Cookies are HS256 JWTs; viewers never inspect them.
type CookieManager struct {
	secret []byte
}

func NewCookieManager(secret string) *CookieManager {
	return &CookieManager{secret: []byte(secret)}
}

func (m *CookieManager) Issue(claims CookieClaims, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("secret required")
	}
	now := time.Now()
	cc := cookieClaims{
		DeviceID: claims.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cc)
	return token.SignedString(m.secret)
}

func (m *CookieManager) Verify(cookie string) (CookieClaims, error) {
	if len(m.secret) == 0 {
		return CookieClaims{}, errors.New("secret required")
	}
	parsed, err := jwt.ParseWithClaims(cookie, &cookieClaims{}, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return CookieClaims{}, err
	}
	claims, ok := parsed.Claims.(*cookieClaims)
	if !ok || !parsed.Valid {
		return CookieClaims{}, errors.New("invalid cookie")
	}
	out := CookieClaims{DeviceID: claims.DeviceID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
