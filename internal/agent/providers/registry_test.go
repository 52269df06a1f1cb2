package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/pkg/models"
)

func mustProvider(t *testing.T, r *Registry, id string) Provider {
	t.Helper()
	p, err := r.CreateProvider(id)
	if err != nil {
		t.Fatalf("CreateProvider(%q) error: %v", id, err)
	}
	return p
}

func TestResolveCredential_Precedence(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		settings map[string]string
		want     string
		wantErr  bool
	}{
		{
			name:     "scoped key beats legacy key",
			settings: map[string]string{"api_key_moonshot": "scoped", "kimi_api_key": "legacy"},
			want:     "scoped",
		},
		{
			name:     "legacy key used when scoped key missing",
			settings: map[string]string{"kimi_api_key": "legacy"},
			want:     "legacy",
		},
		{
			name:     "blank scoped key falls through",
			settings: map[string]string{"api_key_moonshot": "  ", "kimi_api_key": "legacy"},
			want:     "legacy",
		},
		{
			name:     "missing credential",
			settings: map[string]string{},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(NewMapSettings(tt.settings))
			got, err := mustProvider(t, r, "moonshot").ResolveCredential(ctx)
			if tt.wantErr {
				if !models.IsKind(err, models.ErrorCredential) {
					t.Fatalf("err = %v, want credential error", err)
				}
				if !strings.Contains(err.Error(), "api_key_moonshot") {
					t.Errorf("error %q does not name the setting", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveCredential() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("credential = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveCredential_NoAuthProvider(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))
	got, err := mustProvider(t, r, "ollama").ResolveCredential(context.Background())
	if err != nil || got != "" {
		t.Fatalf("ResolveCredential() = %q, %v; want empty, nil", got, err)
	}
}

func TestResolveBaseURL_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		want     string
	}{
		{"default", nil, "https://open.bigmodel.cn/api/paas/v4"},
		{"international", map[string]string{"use_international_zhipu": "true"}, "https://api.z.ai/api/paas/v4"},
		{"coding plan beats international", map[string]string{
			"use_international_zhipu": "true",
			"use_coding_plan_zhipu":   "true",
		}, "https://open.bigmodel.cn/api/coding/paas/v4"},
		{"custom beats everything", map[string]string{
			"use_coding_plan_zhipu": "1",
			"base_url_zhipu":        "https://proxy.local/v4/",
		}, "https://proxy.local/v4"},
		{"unparseable flag is off", map[string]string{"use_coding_plan_zhipu": "yes please"}, "https://open.bigmodel.cn/api/paas/v4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(NewMapSettings(tt.settings))
			got, err := mustProvider(t, r, "zhipu").ResolveBaseURL(context.Background())
			if err != nil {
				t.Fatalf("ResolveBaseURL() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("base URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveBaseURL_UnsupportedModeIgnored(t *testing.T) {
	// deepseek has no coding-plan URL, so the flag has no effect.
	r := NewRegistry(NewMapSettings(map[string]string{"use_coding_plan_deepseek": "true"}))
	got, err := mustProvider(t, r, "deepseek").ResolveBaseURL(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://api.deepseek.com/v1" {
		t.Errorf("base URL = %q", got)
	}
}

func TestEndpoint(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))
	if err := r.Register(ProviderConfig{
		ID:           "custom",
		Protocol:     protocol.KindOpenAI,
		BaseURL:      "https://llm.internal/api/",
		EndpointPath: "/v2/generate",
		AuthType:     AuthNone,
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		id   string
		want string
	}{
		{"openai", "https://api.openai.com/v1/chat/completions"},
		{"anthropic", "https://api.anthropic.com/v1/messages"},
		{"custom", "https://llm.internal/api/v2/generate"},
	}
	for _, tt := range tests {
		got, err := mustProvider(t, r, tt.id).Endpoint(context.Background())
		if err != nil {
			t.Fatalf("%s: Endpoint() error: %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("%s: endpoint = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestHeaders_Layering(t *testing.T) {
	ctx := context.Background()
	settings := NewMapSettings(map[string]string{
		"api_key_openrouter":        "or-key",
		"custom_headers_openrouter": `{"Authorization":"Bearer stolen","X-Title":"mine","X-Team":"infra"}`,
		"api_key_anthropic":         "ant-key",
		"api_key_moonshot":          "kimi-key",
	})
	r := NewRegistry(settings)

	h, err := mustProvider(t, r, "openrouter").Headers(ctx)
	if err != nil {
		t.Fatalf("Headers() error: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer or-key" {
		t.Errorf("Authorization = %q, custom headers must not override auth", got)
	}
	if h.Get("X-Title") != "mine" || h.Get("X-Team") != "infra" {
		t.Errorf("user headers not applied: %v", h)
	}
	if h.Get("HTTP-Referer") == "" {
		t.Error("missing integration header HTTP-Referer")
	}
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}

	h, err = mustProvider(t, r, "anthropic").Headers(ctx)
	if err != nil {
		t.Fatalf("anthropic Headers() error: %v", err)
	}
	if h.Get("X-Api-Key") != "ant-key" || h.Get("Anthropic-Version") != protocol.AnthropicVersion || h.Get("Authorization") != "" {
		t.Errorf("anthropic headers = %v", h)
	}

	h, err = mustProvider(t, r, "moonshot").Headers(ctx)
	if err != nil {
		t.Fatalf("moonshot Headers() error: %v", err)
	}
	if h.Get("User-Agent") != UserAgent {
		t.Errorf("User-Agent = %q", h.Get("User-Agent"))
	}
}

func TestHeaders_InvalidCustomHeaders(t *testing.T) {
	r := NewRegistry(NewMapSettings(map[string]string{
		"api_key_openai":        "k",
		"custom_headers_openai": "X-Foo: bar",
	}))
	_, err := mustProvider(t, r, "openai").Headers(context.Background())
	if !models.IsKind(err, models.ErrorInvalidRequest) || !strings.Contains(err.Error(), "custom_headers_openai") {
		t.Fatalf("err = %v", err)
	}
}

func TestHeaders_MissingCredentialFailsBeforeNetwork(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))
	_, err := mustProvider(t, r, "deepseek").Headers(context.Background())
	if !models.IsKind(err, models.ErrorCredential) {
		t.Fatalf("err = %v, want credential error", err)
	}
}

func decodeBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	return body
}

func TestBuildRequest_ProviderTweaks(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMapSettings(nil))
	topP := 0.9
	req := &protocol.Request{
		Model:    "deepseek-reasoner",
		Messages: []*models.Message{models.UserMessage("hi")},
		Sampling: protocol.Sampling{TopP: &topP},
	}

	raw, err := mustProvider(t, r, "deepseek").BuildRequest(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := decodeBody(t, raw)["top_p"]; ok {
		t.Error("deepseek reasoner request still carries top_p")
	}
	if req.Sampling.TopP == nil {
		t.Error("caller's request was mutated")
	}

	req.Model = "glm-4.6"
	req.Options.Thinking = true
	raw, err = mustProvider(t, r, "zhipu").BuildRequest(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, raw)
	thinking, _ := body["thinking"].(map[string]any)
	if thinking["type"] != "enabled" {
		t.Errorf("zhipu thinking = %v", body["thinking"])
	}
	if body["top_p"] != 0.9 {
		t.Errorf("zhipu must keep top_p, got %v", body["top_p"])
	}
}

func TestBuildRequest_ConfigBodyAndDropParams(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))
	err := r.Register(ProviderConfig{
		ID:         "local",
		BaseURL:    "http://127.0.0.1:8080/v1",
		AuthType:   AuthNone,
		Body:       map[string]any{"keep_alive": "5m", "seed": 1},
		DropParams: []string{"stream_options"},
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := mustProvider(t, r, "local").BuildRequest(context.Background(), &protocol.Request{
		Model:   "qwen",
		Options: protocol.Options{ExtraBody: map[string]any{"seed": 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, raw)
	if body["keep_alive"] != "5m" || body["seed"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["stream_options"]; ok {
		t.Error("stream_options not dropped")
	}
}

func TestRegistry_ResolveModel(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))

	tests := []struct {
		logical      string
		wantProvider string
		wantModel    string
	}{
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5"},
		{"openrouter/anthropic/claude-3.5", "openrouter", "anthropic/claude-3.5"},
		{"deepseek-chat", "deepseek", "deepseek-chat"},
		{"glm-4.6", "zhipu", "glm-4.6"},
		{"some-new-model", DefaultProviderID, "some-new-model"},
		{"unknown/prefix", DefaultProviderID, "unknown/prefix"},
	}
	for _, tt := range tests {
		id, model, err := r.ResolveModel(tt.logical)
		if err != nil {
			t.Fatalf("ResolveModel(%q) error: %v", tt.logical, err)
		}
		if id != tt.wantProvider || model != tt.wantModel {
			t.Errorf("ResolveModel(%q) = %q, %q; want %q, %q", tt.logical, id, model, tt.wantProvider, tt.wantModel)
		}
	}

	if _, _, err := r.ResolveModel(" "); !models.IsKind(err, models.ErrorInvalidRequest) {
		t.Errorf("empty model err = %v", err)
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))

	if err := r.Register(ProviderConfig{}); err == nil {
		t.Error("Register() accepted an empty id")
	}
	if err := r.Register(ProviderConfig{ID: "a/b"}); err == nil {
		t.Error("Register() accepted an id with a slash")
	}
	if err := r.Register(ProviderConfig{ID: "x", Protocol: "smoke-signals"}); err == nil {
		t.Error("Register() accepted an unknown protocol")
	}
	if err := r.Register(ProviderConfig{ID: "mine", BaseURL: "http://x"}); err != nil {
		t.Fatal(err)
	}

	cfg, ok := r.Get("mine")
	if !ok || cfg.Protocol != protocol.KindOpenAI || cfg.AuthType != AuthAPIKey {
		t.Errorf("Get(mine) = %+v, %v", cfg, ok)
	}

	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("List() not sorted: %q before %q", list[i-1].ID, list[i].ID)
		}
	}

	if !r.Unregister("mine") || r.Unregister("mine") {
		t.Error("Unregister() did not report presence correctly")
	}
	if _, err := r.CreateProvider("mine"); !models.IsKind(err, models.ErrorInvalidRequest) {
		t.Errorf("CreateProvider(removed) err = %v", err)
	}
	if err := r.SetDefault("nope"); err == nil {
		t.Error("SetDefault() accepted an unknown provider")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry(NewMapSettings(nil))
	cfg, _ := r.Get("openai")
	cfg.Models[0] = "mutated"
	again, _ := r.Get("openai")
	if again.Models[0] == "mutated" {
		t.Fatal("Get() exposed internal state")
	}
}

func TestOAuthMode(t *testing.T) {
	var refreshSeen string
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		refreshSeen = r.PostForm.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	settings := NewMapSettings(map[string]string{
		"auth_mode_anthropic":           "oauth",
		"oauth_refresh_token_anthropic": "refresh-1",
	})
	r := NewRegistry(settings)
	cfg, _ := r.Get("anthropic")
	cfg.OAuth.TokenURL = tokenServer.URL
	if err := r.Register(cfg); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	p := mustProvider(t, r, "anthropic")
	h, err := p.Headers(ctx)
	if err != nil {
		t.Fatalf("Headers() error: %v", err)
	}
	if refreshSeen != "refresh-1" {
		t.Errorf("token endpoint saw refresh_token %q", refreshSeen)
	}
	if h.Get("Authorization") != "Bearer fresh-token" || h.Get("X-Api-Key") != "" {
		t.Errorf("oauth auth headers = %v", h)
	}
	if h.Get("Anthropic-Beta") == "" || h.Get("Anthropic-Version") == "" {
		t.Errorf("oauth extras missing: %v", h)
	}

	// Switching back to API-key mode uses x-api-key.
	settings.Set("auth_mode_anthropic", "api_key")
	settings.Set("api_key_anthropic", "ant-key")
	h, err = mustProvider(t, r, "anthropic").Headers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Get("X-Api-Key") != "ant-key" || h.Get("Authorization") != "" {
		t.Errorf("api key headers = %v", h)
	}

	settings.Set("auth_mode_anthropic", "oauth")
	settings.Delete("oauth_refresh_token_anthropic")
	_, err = mustProvider(t, r, "anthropic").ResolveCredential(ctx)
	if !models.IsKind(err, models.ErrorCredential) || !strings.Contains(err.Error(), "oauth_refresh_token_anthropic") {
		t.Errorf("missing refresh token err = %v", err)
	}
}

// rotatingTokenServer issues a new refresh token with every access token and
// rejects refresh tokens it has already redeemed.
func rotatingTokenServer(t *testing.T) (*httptest.Server, func() int) {
	t.Helper()
	var (
		mu   sync.Mutex
		used = map[string]bool{}
		hits int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		hits++
		refresh := r.PostForm.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		if used[refresh] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		used[refresh] = true
		// expires_in below the client's expiry margin forces a refresh on
		// every call.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + refresh,
			"refresh_token": refresh + "+",
			"token_type":    "bearer",
			"expires_in":    1,
		})
	}))
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return hits
	}
	return server, count
}

func TestOAuthMode_RotatedRefreshTokens(t *testing.T) {
	tokenServer, hits := rotatingTokenServer(t)
	defer tokenServer.Close()

	settings := NewMapSettings(map[string]string{
		"auth_mode_anthropic":           "oauth",
		"oauth_refresh_token_anthropic": "r",
	})
	r := NewRegistry(settings)
	cfg, _ := r.Get("anthropic")
	cfg.OAuth.TokenURL = tokenServer.URL
	if err := r.Register(cfg); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	wantAccess := []string{"access-r", "access-r+", "access-r++"}
	for i, want := range wantAccess {
		h, err := mustProvider(t, r, "anthropic").Headers(ctx)
		if err != nil {
			t.Fatalf("call %d: Headers() error: %v", i+1, err)
		}
		if got := h.Get("Authorization"); got != "Bearer "+want {
			t.Fatalf("call %d: Authorization = %q, want Bearer %s", i+1, got, want)
		}
	}
	if hits() != len(wantAccess) {
		t.Errorf("token endpoint hits = %d, want %d", hits(), len(wantAccess))
	}

	stored, _, _ := settings.GetSetting(ctx, "oauth_refresh_token_anthropic")
	if stored != "r+++" {
		t.Fatalf("stored refresh token = %q, want r+++", stored)
	}

	// A new registry over the same settings starts from the rotated token.
	restarted := NewRegistry(settings)
	if err := restarted.Register(cfg); err != nil {
		t.Fatal(err)
	}
	h, err := mustProvider(t, restarted, "anthropic").Headers(ctx)
	if err != nil {
		t.Fatalf("after restart: %v", err)
	}
	if h.Get("Authorization") != "Bearer access-r+++" {
		t.Errorf("after restart Authorization = %q", h.Get("Authorization"))
	}
}

func TestOAuthMode_StoredTokenChangeRebuildsSource(t *testing.T) {
	tokenServer, _ := rotatingTokenServer(t)
	defer tokenServer.Close()

	settings := NewMapSettings(map[string]string{
		"auth_mode_anthropic":           "oauth",
		"oauth_refresh_token_anthropic": "first",
	})
	r := NewRegistry(settings)
	cfg, _ := r.Get("anthropic")
	cfg.OAuth.TokenURL = tokenServer.URL
	if err := r.Register(cfg); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := mustProvider(t, r, "anthropic").Headers(ctx); err != nil {
		t.Fatal(err)
	}
	settings.Set("oauth_refresh_token_anthropic", "second")
	h, err := mustProvider(t, r, "anthropic").Headers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Get("Authorization") != "Bearer access-second" {
		t.Errorf("Authorization = %q, want the re-authenticated token", h.Get("Authorization"))
	}
}
