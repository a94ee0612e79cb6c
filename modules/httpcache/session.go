package httpcache

import (
	"sync"

	"golang.org/x/oauth2"
)

// Session holds the credential attached to outgoing requests.
type Session struct {
	mu    sync.RWMutex
	token *oauth2.Token
}

// NewSession returns a session holding tok, which may be nil.
func NewSession(tok *oauth2.Token) *Session {
	return &Session{token: tok}
}

// Token returns the current token or nil.
func (s *Session) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the token. A new token without a refresh token keeps the
// previous refresh token.
func (s *Session) SetToken(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok != nil && tok.RefreshToken == "" && s.token != nil {
		cp := *tok
		cp.RefreshToken = s.token.RefreshToken
		tok = &cp
	}
	s.token = tok
}

// Clear drops the token.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
}

// CanRefresh reports whether the session holds a refresh token.
func (s *Session) CanRefresh() bool {
	tok := s.Token()
	return tok != nil && tok.RefreshToken != ""
}
