package config

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/credentials"
)

const (
	_defaultAuthIssuer = "streamlink"
)

// Auth is the configuration of the credentials presented when a stream opens
type Auth struct {
	// Secret signs auth tokens on clients and verifies them on servers.
	// If empty, clients are anonymous and servers accept any client.
	Secret string
	Issuer string
	// Subject is the user auth tokens are minted for.
	Subject  string
	TokenTTL time.Duration
	// AttestationToken is presented as is. Empty means no attestation.
	AttestationToken string
}

// NewAuth creates a default auth configuration.
func NewAuth() *Auth {
	return &Auth{}
}

// Adjust generates default values for some fields (if they are empty)
func (a *Auth) Adjust() {
	if a.Issuer == "" {
		a.Issuer = _defaultAuthIssuer
	}
}

// Validate checks whether the configuration is valid.
func (a *Auth) Validate() error {
	if a.TokenTTL <= 0 {
		return errors.Errorf("invalid token ttl `%s`", a.TokenTTL)
	}
	return nil
}

// AuthProvider returns the provider of auth tokens.
func (a *Auth) AuthProvider(clock clockwork.Clock, logger *zap.Logger) (credentials.AuthProvider, error) {
	if a.Secret == "" {
		return credentials.EmptyAuthProvider{}, nil
	}
	p, err := credentials.NewJWTProvider(credentials.JWTConfig{
		Secret:  []byte(a.Secret),
		Issuer:  a.Issuer,
		Subject: a.Subject,
		TTL:     a.TokenTTL,
	}, clock, logger)
	if err != nil {
		return nil, errors.WithMessage(err, "create jwt provider")
	}
	return p, nil
}

// AttestationProvider returns the provider of attestation tokens.
func (a *Auth) AttestationProvider() credentials.AttestationProvider {
	return credentials.NewStaticAttestationProvider(a.AttestationToken)
}

func authConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("auth-secret", "", "secret signing and verifying auth tokens (empty for anonymous streams)")
	fs.String("auth-issuer", "", "issuer of auth tokens (default 'streamlink')")
	fs.String("auth-subject", "", "user auth tokens are minted for")
	fs.Duration("auth-token-ttl", credentials.DefaultTokenTTL, "lifetime of auth tokens")
	fs.String("auth-attestation-token", "", "attestation token presented when a stream opens")
	_ = v.BindPFlag("auth.secret", fs.Lookup("auth-secret"))
	_ = v.BindPFlag("auth.issuer", fs.Lookup("auth-issuer"))
	_ = v.BindPFlag("auth.subject", fs.Lookup("auth-subject"))
	_ = v.BindPFlag("auth.tokenTTL", fs.Lookup("auth-token-ttl"))
	_ = v.BindPFlag("auth.attestationToken", fs.Lookup("auth-attestation-token"))
}
