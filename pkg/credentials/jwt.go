package credentials

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

const (
	// DefaultTokenTTL is the lifetime of minted tokens.
	DefaultTokenTTL = time.Hour
)

var (
	// ErrEmptySecret is returned when no signing secret is configured.
	ErrEmptySecret = errors.New("jwt signing secret is empty")
)

// JWTConfig configures a JWTProvider.
type JWTConfig struct {
	Secret  []byte
	Issuer  string
	Subject string
	TTL     time.Duration
}

// JWTProvider mints HS256 tokens for one subject and caches them until shortly before they expire.
type JWTProvider struct {
	cfg   JWTConfig
	clock clockwork.Clock

	mu        sync.Mutex
	cached    string
	refreshAt time.Time

	lg *zap.Logger
}

// NewJWTProvider creates a JWTProvider. A zero TTL means DefaultTokenTTL.
func NewJWTProvider(cfg JWTConfig, clock clockwork.Clock, logger *zap.Logger) (*JWTProvider, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrEmptySecret
	}
	if cfg.TTL < 0 {
		return nil, errors.Errorf("invalid token ttl `%s`", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTProvider{
		cfg:   cfg,
		clock: clock,
		lg:    logger.With(zap.String("subject", cfg.Subject)),
	}, nil
}

// GetToken implements Provider. The callback runs on a new goroutine.
func (p *JWTProvider) GetToken(callback func(AuthToken, error)) {
	go func() {
		defer logutil.LogPanic(p.lg)
		token, err := p.token()
		if err != nil {
			callback(AuthToken{}, err)
			return
		}
		callback(AuthToken{Token: token, User: p.cfg.Subject}, nil)
	}()
}

// InvalidateToken implements Provider
func (p *JWTProvider) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.lg.Debug("auth token invalidated")
}

func (p *JWTProvider) token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.cached != "" && now.Before(p.refreshAt) {
		return p.cached, nil
	}

	id := uuid.NewString()
	claims := jwt.RegisteredClaims{
		Issuer:    p.cfg.Issuer,
		Subject:   p.cfg.Subject,
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.TTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.Secret)
	if err != nil {
		return "", errors.Wrap(err, "sign jwt")
	}

	p.cached = signed
	// refresh a tenth of the lifetime before expiry
	p.refreshAt = now.Add(p.cfg.TTL - p.cfg.TTL/10)
	p.lg.Debug("auth token minted", zap.String("token-id", id), zap.Time("refresh-at", p.refreshAt))
	return signed, nil
}

// ParseToken verifies an HS256 token signed with secret and returns its claims.
func ParseToken(secret []byte, token string, opts ...jwt.ParserOption) (*jwt.RegisteredClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt")
	}
	return claims, nil
}
