package graph

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

const graphScope = "https://graph.microsoft.com/.default"

// tokenCache hands out client credentials tokens and can drop the cached
// one after the API rejected it.
type tokenCache struct {
	mu     sync.Mutex
	newSrc func() oauth2.TokenSource
	src    oauth2.TokenSource
}

// newTokenCache creates a token cache for the given OAuth2 client
// credentials. Token requests go through httpClient.
func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	tc := &tokenCache{
		newSrc: func() oauth2.TokenSource {
			return oauth2.ReuseTokenSourceWithExpiry(nil, fetcher{cfg: cfg, ctx: ctx}, tokenExpiryBuffer)
		},
	}
	tc.src = tc.newSrc()
	return tc
}

// fetcher requests a new token on every call. cfg.TokenSource would cache
// with its own short expiry delta and hide tokenExpiryBuffer.
type fetcher struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (f fetcher) Token() (*oauth2.Token, error) {
	return f.cfg.Token(f.ctx)
}

// Token returns a valid access token, fetching a new one if necessary.
// This method is safe for concurrent use.
func (tc *tokenCache) Token() (string, error) {
	tc.mu.Lock()
	src := tc.src
	tc.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate discards the cached token. The next Token call fetches a new one.
func (tc *tokenCache) Invalidate() {
	tc.mu.Lock()
	tc.src = tc.newSrc()
	tc.mu.Unlock()
}
