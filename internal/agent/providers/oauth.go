package providers

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// tokenCache keeps one OAuth token source per provider so access tokens and
// rotated refresh tokens survive across the providers built for each call.
type tokenCache struct {
	writer SettingsWriter

	mu      sync.Mutex
	entries map[string]*tokenEntry
}

type tokenEntry struct {
	// seed is the refresh token the settings are expected to hold. A
	// different stored value means the user re-authenticated.
	seed     string
	tokenURL string
	clientID string
	latest   string
	source   oauth2.TokenSource
}

func newTokenCache(writer SettingsWriter) *tokenCache {
	return &tokenCache{writer: writer, entries: make(map[string]*tokenEntry)}
}

// source returns the token source for cfg seeded with refresh, reusing the
// cached one while the stored token and endpoint are unchanged.
func (c *tokenCache) source(ctx context.Context, cfg ProviderConfig, refresh string) oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[cfg.ID]; ok && e.seed == refresh &&
		e.tokenURL == cfg.OAuth.TokenURL && e.clientID == cfg.OAuth.ClientID {
		return e.source
	}

	conf := &oauth2.Config{
		ClientID: cfg.OAuth.ClientID,
		Scopes:   cfg.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{TokenURL: cfg.OAuth.TokenURL},
	}
	e := &tokenEntry{
		seed:     refresh,
		tokenURL: cfg.OAuth.TokenURL,
		clientID: cfg.OAuth.ClientID,
		latest:   refresh,
	}
	// The source outlives this call; keep the context values but not its
	// deadline.
	base := conf.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: refresh})
	e.source = oauth2.ReuseTokenSource(nil, &rotatingSource{cache: c, id: cfg.ID, entry: e, base: base})
	c.entries[cfg.ID] = e
	return e.source
}

// rotated records a refresh token issued by the token endpoint and writes it
// to the settings so the next process starts from it.
func (c *tokenCache) rotated(id string, e *tokenEntry, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if refresh == "" || refresh == e.latest {
		return
	}
	e.latest = refresh
	if c.writer == nil {
		return
	}
	if err := c.writer.SetSetting(context.Background(), RefreshTokenSetting(id), refresh); err != nil {
		// The stored token is unchanged, so the entry stays keyed on it and
		// this process keeps using the rotated token in memory.
		return
	}
	if c.entries[id] == e {
		e.seed = refresh
	}
}

// rotatingSource reports refresh tokens returned by the wrapped source.
type rotatingSource struct {
	cache *tokenCache
	id    string
	entry *tokenEntry
	base  oauth2.TokenSource
}

func (s *rotatingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.cache.rotated(s.id, s.entry, tok.RefreshToken)
	return tok, nil
}
