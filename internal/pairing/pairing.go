// Package pairing exchanges short-lived single-use codes for long-lived
// device credentials.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go-droidagent/pkg/logger"
)

var (
	ErrInvalidCode = errors.New("pairing code invalid or expired")
	ErrRateLimited = errors.New("too many pairing attempts")
)

type Config struct {
	CodeTTL       time.Duration
	CodeDigits    int
	RatePerMinute int
	Burst         int
	Endpoint      string
}

func DefaultConfig() Config {
	return Config{CodeTTL: 5 * time.Minute, CodeDigits: 6, RatePerMinute: 5, Burst: 3}
}

type Code struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Claim is what a device receives for a valid code.
type Claim struct {
	Credential string `json:"credential"`
	Endpoint   string `json:"endpoint"`
	DeviceID   string `json:"deviceId"`
}

type Status struct {
	Paired   bool   `json:"paired"`
	Pending  bool   `json:"pending"`
	DeviceID string `json:"deviceId,omitempty"`
}

type record struct {
	userID  string
	expires time.Time
}

type Service struct {
	cfg    Config
	issuer *Issuer
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.Mutex
	codes    map[string]record
	byUser   map[string]string // user -> outstanding code
	paired   map[string]string // user -> last paired device
	limiters map[string]*rate.Limiter
}

func New(cfg Config, issuer *Issuer, now func() time.Time, log zerolog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.CodeDigits <= 0 {
		cfg.CodeDigits = DefaultConfig().CodeDigits
	}
	return &Service{
		cfg:      cfg,
		issuer:   issuer,
		now:      now,
		log:      log,
		codes:    map[string]record{},
		byUser:   map[string]string{},
		paired:   map[string]string{},
		limiters: map[string]*rate.Limiter{},
	}
}

// Create issues a fresh code for the user, replacing any outstanding one.
func (s *Service) Create(userID string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	if old, ok := s.byUser[userID]; ok {
		delete(s.codes, old)
	}
	code, err := s.newCode()
	if err != nil {
		return Code{}, err
	}
	exp := s.now().Add(s.cfg.CodeTTL)
	s.codes[code] = record{userID: userID, expires: exp}
	s.byUser[userID] = code
	return Code{Code: code, ExpiresAt: exp}, nil
}

// Claim redeems a code once. Attempts are rate limited per source address,
// successful or not.
func (s *Service) Claim(source, code string) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep()
	now := s.now()
	if !s.limiter(source).AllowN(now, 1) {
		s.log.Warn().Str("source", source).Msg("pairing claim rate limited")
		return Claim{}, ErrRateLimited
	}
	rec, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
		if s.byUser[rec.userID] == code {
			delete(s.byUser, rec.userID)
		}
	}
	if !ok || !now.Before(rec.expires) {
		return Claim{}, ErrInvalidCode
	}

	deviceID := uuid.NewString()
	cred, err := s.issuer.Issue(rec.userID, deviceID, now)
	if err != nil {
		return Claim{}, err
	}
	s.paired[rec.userID] = deviceID
	s.log.Info().Str(logger.DeviceField, deviceID).Msg("device paired")
	return Claim{Credential: cred, Endpoint: s.cfg.Endpoint, DeviceID: deviceID}, nil
}

// Status reports paired once a claim succeeded and no code is outstanding.
func (s *Service) Status(userID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	_, pending := s.byUser[userID]
	deviceID, claimed := s.paired[userID]
	st := Status{Pending: pending}
	if claimed && !pending {
		st.Paired, st.DeviceID = true, deviceID
	}
	return st
}

func (s *Service) limiter(source string) *rate.Limiter {
	l, ok := s.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(s.cfg.RatePerMinute)/60), s.cfg.Burst)
		s.limiters[source] = l
	}
	return l
}

func (s *Service) sweep() {
	now := s.now()
	for code, rec := range s.codes {
		if !now.Before(rec.expires) {
			delete(s.codes, code)
			if s.byUser[rec.userID] == code {
				delete(s.byUser, rec.userID)
			}
		}
	}
	// a refilled bucket behaves exactly like a new limiter
	for source, l := range s.limiters {
		if l.TokensAt(now) >= float64(s.cfg.Burst) {
			delete(s.limiters, source)
		}
	}
}

func (s *Service) newCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.cfg.CodeDigits)), nil)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code := fmt.Sprintf("%0*d", s.cfg.CodeDigits, n)
		if _, taken := s.codes[code]; !taken {
			return code, nil
		}
	}
}
