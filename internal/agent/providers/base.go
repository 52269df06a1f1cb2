package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// Provider is one concrete provider endpoint. Values are created per stream
// by Registry.CreateProvider and are not shared between goroutines.
type Provider interface {
	ID() string
	Config() ProviderConfig

	// ResolveBaseURL applies the settings override precedence.
	ResolveBaseURL(ctx context.Context) (string, error)

	// ResolveCredential returns the credential to send, or a credential
	// error naming the setting to fill in.
	ResolveCredential(ctx context.Context) (string, error)

	// Headers assembles protocol, provider and user headers.
	Headers(ctx context.Context) (http.Header, error)

	// Endpoint is the full URL the request is posted to.
	Endpoint(ctx context.Context) (string, error)

	// BuildRequest applies provider tweaks and delegates to the adapter.
	BuildRequest(ctx context.Context, req *protocol.Request) ([]byte, error)

	// ParseEvent and Finish delegate to the adapter used by the last
	// BuildRequest.
	ParseEvent(event string, data []byte, state *protocol.ParseState) (*protocol.StreamEvent, error)
	Finish(state *protocol.ParseState) []protocol.StreamEvent
}

// BaseProvider implements Provider from configuration alone. Built-in
// providers embed it and override only what differs.
type BaseProvider struct {
	config   ProviderConfig
	settings SettingsReader
	adapter  protocol.Adapter
}

// NewBaseProvider creates a provider for cfg reading overrides from settings.
func NewBaseProvider(cfg ProviderConfig, settings SettingsReader) (*BaseProvider, error) {
	adapter, err := protocol.New(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	return &BaseProvider{config: cfg.clone(), settings: settings, adapter: adapter}, nil
}

func (b *BaseProvider) ID() string { return b.config.ID }

func (b *BaseProvider) Config() ProviderConfig { return b.config.clone() }

// Adapter returns the protocol adapter selected by the config.
func (b *BaseProvider) Adapter() protocol.Adapter { return b.adapter }

func (b *BaseProvider) ResolveBaseURL(ctx context.Context) (string, error) {
	id := b.config.ID

	custom, err := stringSetting(ctx, b.settings, BaseURLSetting(id))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", BaseURLSetting(id), err)
	}
	if custom != "" {
		return strings.TrimRight(custom, "/"), nil
	}

	if b.config.CodingPlanBaseURL != "" {
		on, err := boolSetting(ctx, b.settings, CodingPlanSetting(id))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", CodingPlanSetting(id), err)
		}
		if on {
			return strings.TrimRight(b.config.CodingPlanBaseURL, "/"), nil
		}
	}

	if b.config.InternationalBaseURL != "" {
		on, err := boolSetting(ctx, b.settings, InternationalSetting(id))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", InternationalSetting(id), err)
		}
		if on {
			return strings.TrimRight(b.config.InternationalBaseURL, "/"), nil
		}
	}

	if b.config.BaseURL == "" {
		return "", models.Errorf(models.ErrorInvalidRequest, "providers.base_url", "provider %q has no base URL; set %s", id, BaseURLSetting(id))
	}
	return strings.TrimRight(b.config.BaseURL, "/"), nil
}

func (b *BaseProvider) ResolveCredential(ctx context.Context) (string, error) {
	if b.config.AuthType == AuthNone {
		return "", nil
	}
	return b.apiKey(ctx)
}

// apiKey looks up api_key_<id> and then the legacy named key.
func (b *BaseProvider) apiKey(ctx context.Context) (string, error) {
	id := b.config.ID
	key, err := stringSetting(ctx, b.settings, APIKeySetting(id))
	if err != nil {
		return "", models.WrapError(models.ErrorCredential, "providers.credential", err)
	}
	if key != "" {
		return key, nil
	}
	if legacy := b.config.LegacyKeySetting; legacy != "" {
		key, err = stringSetting(ctx, b.settings, legacy)
		if err != nil {
			return "", models.WrapError(models.ErrorCredential, "providers.credential", err)
		}
		if key != "" {
			return key, nil
		}
	}
	return "", models.Errorf(models.ErrorCredential, "providers.credential",
		"no API key for provider %q: set %s", id, APIKeySetting(id))
}

func (b *BaseProvider) Headers(ctx context.Context) (http.Header, error) {
	return b.HeadersWith(ctx, nil)
}

// HeadersWith assembles headers with provider-specific extras layered
// between the protocol headers and the user's custom headers.
func (b *BaseProvider) HeadersWith(ctx context.Context, extras map[string]string) (http.Header, error) {
	credential, err := b.ResolveCredential(ctx)
	if err != nil {
		return nil, err
	}
	custom, err := b.customHeaders(ctx)
	if err != nil {
		return nil, err
	}
	return assembleHeaders(b.adapter, b.config.AuthType, credential, extras, custom), nil
}

// customHeaders merges config headers with the custom_headers_<id> setting,
// a JSON object of header names to values.
func (b *BaseProvider) customHeaders(ctx context.Context) (map[string]string, error) {
	out := cloneStrings(b.config.Headers)
	raw, err := stringSetting(ctx, b.settings, CustomHeadersSetting(b.config.ID))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", CustomHeadersSetting(b.config.ID), err)
	}
	if raw == "" {
		return out, nil
	}
	var fromSetting map[string]string
	if err := json.Unmarshal([]byte(raw), &fromSetting); err != nil {
		return nil, models.Errorf(models.ErrorInvalidRequest, "providers.headers",
			"%s must be a JSON object of strings: %v", CustomHeadersSetting(b.config.ID), err)
	}
	if out == nil {
		out = make(map[string]string, len(fromSetting))
	}
	for k, v := range fromSetting {
		out[k] = v
	}
	return out, nil
}

// assembleHeaders layers protocol base headers, provider extras and user
// headers. Headers set by the auth layer are never overridden.
func assembleHeaders(adapter protocol.Adapter, authType AuthType, credential string, extras, custom map[string]string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")

	protected := make(map[string]bool)
	var auth map[string]string
	switch authType {
	case AuthBearer, AuthOAuth:
		auth = adapter.AuthHeaders("")
		if auth == nil {
			auth = make(map[string]string)
		}
		if credential != "" {
			auth["Authorization"] = "Bearer " + credential
		}
	default:
		auth = adapter.AuthHeaders(credential)
	}
	for k, v := range auth {
		h.Set(k, v)
		protected[http.CanonicalHeaderKey(k)] = true
	}

	for _, layer := range []map[string]string{extras, custom} {
		for k, v := range layer {
			if protected[http.CanonicalHeaderKey(k)] {
				continue
			}
			h.Set(k, v)
		}
	}
	return h
}

func (b *BaseProvider) Endpoint(ctx context.Context) (string, error) {
	base, err := b.ResolveBaseURL(ctx)
	if err != nil {
		return "", err
	}
	return joinEndpoint(base, b.config.EndpointPath, b.adapter), nil
}

func joinEndpoint(base, path string, adapter protocol.Adapter) string {
	if path == "" {
		path = adapter.EndpointPath()
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

func (b *BaseProvider) BuildRequest(_ context.Context, req *protocol.Request) ([]byte, error) {
	return b.adapter.BuildRequest(b.prepare(req))
}

// prepare overlays the config body and dropped params on a copy of req.
// Request-level extras win over the config body.
func (b *BaseProvider) prepare(req *protocol.Request) *protocol.Request {
	if req == nil || (len(b.config.Body) == 0 && len(b.config.DropParams) == 0) {
		return req
	}
	out := *req
	extra := make(map[string]any, len(b.config.Body)+len(req.Options.ExtraBody)+len(b.config.DropParams))
	for k, v := range b.config.Body {
		extra[k] = v
	}
	for k, v := range req.Options.ExtraBody {
		extra[k] = v
	}
	for _, k := range b.config.DropParams {
		extra[k] = nil
	}
	out.Options.ExtraBody = extra
	return &out
}

func (b *BaseProvider) ParseEvent(event string, data []byte, state *protocol.ParseState) (*protocol.StreamEvent, error) {
	return b.adapter.ParseEvent(event, data, state)
}

func (b *BaseProvider) Finish(state *protocol.ParseState) []protocol.StreamEvent {
	return b.adapter.Finish(state)
}
