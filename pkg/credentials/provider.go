// Package credentials provides the tokens a stream presents when it connects.
package credentials

// Provider fetches a token of type T asynchronously.
//
// The callback of GetToken may run on any goroutine, and is called exactly once,
// either with a token or with an error.
type Provider[T any] interface {
	// GetToken fetches a token, possibly cached, and reports it to callback.
	GetToken(callback func(T, error))
	// InvalidateToken makes the next GetToken fetch a fresh token.
	InvalidateToken()
}

// AuthToken is the token authenticating a user.
type AuthToken struct {
	// Token is empty when the user is anonymous.
	Token string
	User  string
}

// AuthProvider fetches auth tokens.
type AuthProvider = Provider[AuthToken]

// AttestationProvider fetches app attestation tokens. An empty token means there is none.
type AttestationProvider = Provider[string]

// EmptyAuthProvider reports an anonymous user.
type EmptyAuthProvider struct{}

// GetToken implements Provider
func (EmptyAuthProvider) GetToken(callback func(AuthToken, error)) {
	callback(AuthToken{}, nil)
}

// InvalidateToken implements Provider
func (EmptyAuthProvider) InvalidateToken() {}

// StaticAttestationProvider always reports the same attestation token.
type StaticAttestationProvider struct {
	token string
}

// NewStaticAttestationProvider returns a provider reporting token. An empty token means no attestation.
func NewStaticAttestationProvider(token string) *StaticAttestationProvider {
	return &StaticAttestationProvider{token: token}
}

// GetToken implements Provider
func (p *StaticAttestationProvider) GetToken(callback func(string, error)) {
	callback(p.token, nil)
}

// InvalidateToken implements Provider
func (p *StaticAttestationProvider) InvalidateToken() {}
