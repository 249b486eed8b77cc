package pairing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-droidagent/internal/hub"
)

const audience = "droidagent-device"

var ErrInvalidCredential = errors.New("invalid device credential")

// Claims binds a credential to one user's one device.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
}

// Issuer signs and validates device credentials with a shared HS256 secret.
type Issuer struct {
	secret []byte
	name   string
	ttl    time.Duration
}

// NewIssuer returns an issuer. A zero ttl issues credentials that never expire.
func NewIssuer(secret, name string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("pairing: secret must be at least 16 bytes")
	}
	return &Issuer{secret: []byte(secret), name: name, ttl: ttl}, nil
}

func (i *Issuer) Issue(userID, deviceID string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   i.name,
			Subject:  userID,
			Audience: jwt.ClaimStrings{audience},
			IssuedAt: jwt.NewNumericDate(now),
		},
		DeviceID: deviceID,
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return token, nil
}

// Validate implements hub.Authenticator.
func (i *Issuer) Validate(credential string) (hub.Identity, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(i.name),
	)
	if err != nil {
		return hub.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.DeviceID == "" {
		return hub.Identity{}, ErrInvalidCredential
	}
	return hub.Identity{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
