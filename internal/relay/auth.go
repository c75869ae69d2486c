package relay

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of tokens issued by /api/token.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidToken     = errors.New("invalid relay token")
	ErrDeviceRegistered = errors.New("device id already registered")
	ErrRegistrationKey  = errors.New("invalid registration key")
)

// Claims binds a relay connection to a device id.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for deviceID.
func IssueToken(secret, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}
	return signed, nil
}

// ParseToken validates tokenString and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// tokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter (browsers cannot set headers on WebSocket dials).
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// registrations binds each device id to the first client that obtained a
// token for it. Later token requests for the same id must present a valid
// token for that id.
type registrations struct {
	secret string
	key    string

	mu      sync.Mutex
	devices map[string]struct{}
}

func newRegistrations(secret, key string) *registrations {
	return &registrations{secret: secret, key: key, devices: make(map[string]struct{})}
}

// issue returns a token for deviceID. presentedKey is the registration key
// sent by the client and bearer its current token, if any.
func (r *registrations) issue(deviceID, presentedKey, bearer string) (string, error) {
	if r.key != "" && subtle.ConstantTimeCompare([]byte(r.key), []byte(presentedKey)) != 1 {
		return "", ErrRegistrationKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.devices[deviceID]; taken {
		claims, err := ParseToken(r.secret, bearer)
		if err != nil || claims.DeviceID != deviceID {
			return "", ErrDeviceRegistered
		}
	}

	token, err := IssueToken(r.secret, deviceID, DefaultTokenTTL)
	if err != nil {
		return "", err
	}
	r.devices[deviceID] = struct{}{}
	return token, nil
}
