package providers

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// UserAgent identifies this client to providers that require one.
const UserAgent = "codeloop/1.0"

// Factory wraps a BaseProvider with provider-specific behavior.
type Factory func(base *BaseProvider) Provider

func builtinFactories() map[string]Factory {
	return map[string]Factory{
		"moonshot":   func(b *BaseProvider) Provider { return &moonshotProvider{b} },
		"zhipu":      func(b *BaseProvider) Provider { return &zhipuProvider{b} },
		"deepseek":   func(b *BaseProvider) Provider { return &deepseekProvider{b} },
		"openrouter": func(b *BaseProvider) Provider { return &openRouterProvider{b} },
	}
}

// moonshotProvider sends a distinct user agent; the Kimi coding endpoint
// rejects anonymous clients.
type moonshotProvider struct{ *BaseProvider }

func (p *moonshotProvider) Headers(ctx context.Context) (http.Header, error) {
	return p.HeadersWith(ctx, map[string]string{"User-Agent": UserAgent})
}

// zhipuProvider maps the thinking switch onto GLM's thinking body field.
type zhipuProvider struct{ *BaseProvider }

func (p *zhipuProvider) BuildRequest(ctx context.Context, req *protocol.Request) ([]byte, error) {
	if req != nil && req.Options.Thinking {
		r := *req
		r.Options.ExtraBody = withExtra(req.Options.ExtraBody, "thinking", map[string]any{"type": "enabled"})
		req = &r
	}
	return p.BaseProvider.BuildRequest(ctx, req)
}

// deepseekProvider drops top_p for reasoning requests, which the reasoner
// endpoint rejects.
type deepseekProvider struct{ *BaseProvider }

func (p *deepseekProvider) BuildRequest(ctx context.Context, req *protocol.Request) ([]byte, error) {
	if req != nil && (req.Options.Thinking || strings.Contains(req.Model, "reasoner")) && req.Sampling.TopP != nil {
		r := *req
		r.Sampling.TopP = nil
		req = &r
	}
	return p.BaseProvider.BuildRequest(ctx, req)
}

// openRouterProvider adds the app identification headers OpenRouter uses for
// attribution.
type openRouterProvider struct{ *BaseProvider }

func (p *openRouterProvider) Headers(ctx context.Context) (http.Header, error) {
	return p.HeadersWith(ctx, map[string]string{
		"HTTP-Referer": "https://github.com/haasonsaas/codeloop",
		"X-Title":      "codeloop",
	})
}

func withExtra(extra map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	if _, set := out[key]; !set {
		out[key] = value
	}
	return out
}

// oauthProvider switches between API-key and OAuth authentication based on
// the auth_mode_<id> setting. In OAuth mode the access token comes from the
// stored refresh token and the adapter may differ from the API-key one.
type oauthProvider struct {
	*BaseProvider

	tokens *tokenCache

	mu     sync.Mutex
	active protocol.Adapter
}

func newOAuthProvider(b *BaseProvider, tokens *tokenCache) *oauthProvider {
	return &oauthProvider{BaseProvider: b, tokens: tokens}
}

func (p *oauthProvider) mode(ctx context.Context) (AuthType, error) {
	v, err := stringSetting(ctx, p.settings, AuthModeSetting(p.config.ID))
	if err != nil {
		return "", models.WrapError(models.ErrorCredential, "providers.auth_mode", err)
	}
	if v != "" {
		return AuthType(strings.ToLower(v)), nil
	}
	if p.config.AuthType == "" {
		return AuthAPIKey, nil
	}
	return p.config.AuthType, nil
}

// adapterFor returns the adapter used in the given mode.
func (p *oauthProvider) adapterFor(mode AuthType) (protocol.Adapter, error) {
	if mode == AuthOAuth && p.config.OAuth != nil && p.config.OAuth.Protocol != "" && p.config.OAuth.Protocol != p.config.Protocol {
		return protocol.New(p.config.OAuth.Protocol)
	}
	return p.adapter, nil
}

func (p *oauthProvider) ResolveCredential(ctx context.Context) (string, error) {
	mode, err := p.mode(ctx)
	if err != nil {
		return "", err
	}
	switch mode {
	case AuthNone:
		return "", nil
	case AuthOAuth:
		return p.accessToken(ctx)
	default:
		return p.apiKey(ctx)
	}
}

func (p *oauthProvider) accessToken(ctx context.Context) (string, error) {
	id := p.config.ID
	refresh, err := stringSetting(ctx, p.settings, RefreshTokenSetting(id))
	if err != nil {
		return "", models.WrapError(models.ErrorCredential, "providers.oauth", err)
	}
	if refresh == "" {
		return "", models.Errorf(models.ErrorCredential, "providers.oauth",
			"provider %q is in OAuth mode but has no refresh token: set %s", id, RefreshTokenSetting(id))
	}
	if p.config.OAuth == nil || p.config.OAuth.TokenURL == "" {
		return "", models.Errorf(models.ErrorCredential, "providers.oauth", "provider %q has no OAuth token URL", id)
	}

	source := p.tokens.source(ctx, p.config, refresh)
	tok, err := source.Token()
	if err != nil {
		return "", models.WrapError(models.ErrorCredential, "providers.oauth", err)
	}
	return tok.AccessToken, nil
}

func (p *oauthProvider) Headers(ctx context.Context) (http.Header, error) {
	mode, err := p.mode(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := p.adapterFor(mode)
	if err != nil {
		return nil, err
	}
	credential, err := p.ResolveCredential(ctx)
	if err != nil {
		return nil, err
	}
	custom, err := p.customHeaders(ctx)
	if err != nil {
		return nil, err
	}
	var extras map[string]string
	if mode == AuthOAuth && p.config.OAuth != nil {
		extras = p.config.OAuth.Headers
	}
	return assembleHeaders(adapter, mode, credential, extras, custom), nil
}

func (p *oauthProvider) Endpoint(ctx context.Context) (string, error) {
	mode, err := p.mode(ctx)
	if err != nil {
		return "", err
	}
	adapter, err := p.adapterFor(mode)
	if err != nil {
		return "", err
	}
	base, err := p.ResolveBaseURL(ctx)
	if err != nil {
		return "", err
	}
	return joinEndpoint(base, p.config.EndpointPath, adapter), nil
}

func (p *oauthProvider) BuildRequest(ctx context.Context, req *protocol.Request) ([]byte, error) {
	mode, err := p.mode(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := p.adapterFor(mode)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.active = adapter
	p.mu.Unlock()
	return adapter.BuildRequest(p.prepare(req))
}

func (p *oauthProvider) current() protocol.Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return p.active
	}
	return p.adapter
}

func (p *oauthProvider) ParseEvent(event string, data []byte, state *protocol.ParseState) (*protocol.StreamEvent, error) {
	return p.current().ParseEvent(event, data, state)
}

func (p *oauthProvider) Finish(state *protocol.ParseState) []protocol.StreamEvent {
	return p.current().Finish(state)
}
