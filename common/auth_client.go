package common

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrNoRefreshToken is returned when a refresh is attempted without a refresh token.
var ErrNoRefreshToken = errors.New("no refresh token")

// AuthClient defines the ability to refresh an OAuth2 token.
type AuthClient interface {
	// RefreshToken attempts to refresh using the given refresh token string.
	// Returns a new *oauth2.Token on success, or an error if refresh fails.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuth2AuthClient refreshes tokens against the token endpoint of an oauth2.Config.
type OAuth2AuthClient struct {
	Config *oauth2.Config
}

// NewOAuth2AuthClient builds an AuthClient for a client id/secret and token URL.
func NewOAuth2AuthClient(clientID, clientSecret, tokenURL string, scopes ...string) *OAuth2AuthClient {
	return &OAuth2AuthClient{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes,
	}}
}

func (c *OAuth2AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	// a token with no access token is never valid, so the source always refreshes
	tok, err := c.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// AuthClientFunc adapts a function to AuthClient.
type AuthClientFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

func (f AuthClientFunc) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}
