package providers

import (
	"github.com/haasonsaas/codeloop/internal/agent/protocol"
)

// AuthType selects how a provider authenticates.
type AuthType string

const (
	// AuthAPIKey sends the credential the protocol's native way
	// (Authorization: Bearer for OpenAI-style, x-api-key for Anthropic).
	AuthAPIKey AuthType = "api_key"

	// AuthBearer always sends Authorization: Bearer.
	AuthBearer AuthType = "bearer"

	// AuthOAuth exchanges a stored refresh token for an access token.
	AuthOAuth AuthType = "oauth"

	// AuthNone sends no credential (local servers).
	AuthNone AuthType = "none"
)

// OAuthConfig describes the token endpoint used in OAuth auth mode.
type OAuthConfig struct {
	TokenURL string   `yaml:"token_url" json:"token_url"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	Scopes   []string `yaml:"scopes" json:"scopes"`

	// Protocol overrides the provider protocol while in OAuth mode.
	Protocol protocol.Kind `yaml:"protocol" json:"protocol"`

	// Headers are added only while in OAuth mode.
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// ProviderConfig is the static description of one provider endpoint.
type ProviderConfig struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Protocol protocol.Kind `yaml:"protocol" json:"protocol"`

	BaseURL              string `yaml:"base_url" json:"base_url"`
	CodingPlanBaseURL    string `yaml:"coding_plan_base_url" json:"coding_plan_base_url"`
	InternationalBaseURL string `yaml:"international_base_url" json:"international_base_url"`

	// EndpointPath overrides the protocol's default path.
	EndpointPath string `yaml:"endpoint_path" json:"endpoint_path"`

	AuthType AuthType `yaml:"auth_type" json:"auth_type"`

	// LegacyKeySetting is consulted when api_key_<id> is unset.
	LegacyKeySetting string `yaml:"legacy_key_setting" json:"legacy_key_setting"`

	// Headers are user headers added after provider extras.
	Headers map[string]string `yaml:"headers" json:"headers"`

	// Body is merged into every request body.
	Body map[string]any `yaml:"body" json:"body"`

	// DropParams removes top-level body keys the endpoint rejects.
	DropParams []string `yaml:"drop_params" json:"drop_params"`

	// Models lists model names routed to this provider without a prefix.
	Models []string `yaml:"models" json:"models"`

	OAuth *OAuthConfig `yaml:"oauth" json:"oauth,omitempty"`
}

// DisplayName returns Name or the id.
func (c ProviderConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// HasModel reports whether model is listed in Models.
func (c ProviderConfig) HasModel(model string) bool {
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

func (c ProviderConfig) clone() ProviderConfig {
	out := c
	out.Headers = cloneStrings(c.Headers)
	if c.Body != nil {
		out.Body = make(map[string]any, len(c.Body))
		for k, v := range c.Body {
			out.Body[k] = v
		}
	}
	out.DropParams = append([]string(nil), c.DropParams...)
	out.Models = append([]string(nil), c.Models...)
	if c.OAuth != nil {
		o := *c.OAuth
		o.Scopes = append([]string(nil), c.OAuth.Scopes...)
		o.Headers = cloneStrings(c.OAuth.Headers)
		out.OAuth = &o
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BuiltinConfigs returns the providers installed by NewRegistry.
func BuiltinConfigs() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:       "openai",
			Name:     "OpenAI",
			Protocol: protocol.KindOpenAI,
			BaseURL:  "https://api.openai.com/v1",
			AuthType: AuthAPIKey,
			Models:   []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o3", "o4-mini"},
		},
		{
			ID:       "anthropic",
			Name:     "Anthropic",
			Protocol: protocol.KindAnthropic,
			BaseURL:  "https://api.anthropic.com",
			AuthType: AuthAPIKey,
			Models:   []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"},
			OAuth: &OAuthConfig{
				TokenURL: "https://console.anthropic.com/v1/oauth/token",
				Protocol: protocol.KindAnthropic,
				Headers:  map[string]string{"anthropic-beta": "oauth-2025-04-20"},
			},
		},
		{
			ID:       "deepseek",
			Name:     "DeepSeek",
			Protocol: protocol.KindOpenAI,
			BaseURL:  "https://api.deepseek.com/v1",
			AuthType: AuthAPIKey,
			Models:   []string{"deepseek-chat", "deepseek-reasoner"},
		},
		{
			ID:                   "moonshot",
			Name:                 "Moonshot (Kimi)",
			Protocol:             protocol.KindOpenAI,
			BaseURL:              "https://api.moonshot.cn/v1",
			InternationalBaseURL: "https://api.moonshot.ai/v1",
			CodingPlanBaseURL:    "https://api.kimi.com/coding/v1",
			AuthType:             AuthAPIKey,
			LegacyKeySetting:     "kimi_api_key",
			Models:               []string{"kimi-k2-0905-preview", "kimi-k2-turbo-preview"},
		},
		{
			ID:                   "zhipu",
			Name:                 "Zhipu GLM",
			Protocol:             protocol.KindOpenAI,
			BaseURL:              "https://open.bigmodel.cn/api/paas/v4",
			CodingPlanBaseURL:    "https://open.bigmodel.cn/api/coding/paas/v4",
			InternationalBaseURL: "https://api.z.ai/api/paas/v4",
			AuthType:             AuthBearer,
			LegacyKeySetting:     "glm_api_key",
			Models:               []string{"glm-4.6", "glm-4.5-air"},
		},
		{
			ID:       "openrouter",
			Name:     "OpenRouter",
			Protocol: protocol.KindOpenAI,
			BaseURL:  "https://openrouter.ai/api/v1",
			AuthType: AuthBearer,
		},
		{
			ID:       "ollama",
			Name:     "Ollama",
			Protocol: protocol.KindOpenAI,
			BaseURL:  "http://localhost:11434/v1",
			AuthType: AuthNone,
		},
	}
}
