package providers

import (
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/codeloop/internal/agent/protocol"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// DefaultProviderID is used for model names that match no provider.
const DefaultProviderID = "openai"

// Registry holds provider configurations by id. It is safe for concurrent
// use; registration is rare and lookups are frequent.
type Registry struct {
	mu        sync.RWMutex
	configs   map[string]ProviderConfig
	factories map[string]Factory
	defaultID string
	settings  SettingsReader
	tokens    *tokenCache
}

// NewRegistry creates a registry with the built-in providers installed. When
// settings also implements SettingsWriter, rotated OAuth refresh tokens are
// written back to it.
func NewRegistry(settings SettingsReader) *Registry {
	writer, _ := settings.(SettingsWriter)
	r := &Registry{
		configs:   make(map[string]ProviderConfig),
		factories: builtinFactories(),
		defaultID: DefaultProviderID,
		settings:  settings,
		tokens:    newTokenCache(writer),
	}
	for _, cfg := range BuiltinConfigs() {
		r.configs[cfg.ID] = cfg
	}
	return r
}

// Register adds or replaces a provider configuration.
func (r *Registry) Register(cfg ProviderConfig) error {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return models.NewError(models.ErrorInvalidRequest, "providers.register", "provider id is required")
	}
	if strings.Contains(cfg.ID, "/") {
		return models.Errorf(models.ErrorInvalidRequest, "providers.register", "provider id %q must not contain '/'", cfg.ID)
	}
	if _, err := protocol.New(cfg.Protocol); err != nil {
		return err
	}
	if cfg.Protocol == "" {
		cfg.Protocol = protocol.KindOpenAI
	}
	if cfg.AuthType == "" {
		cfg.AuthType = AuthAPIKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg.clone()
	return nil
}

// Unregister removes a provider. It reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[id]; !ok {
		return false
	}
	delete(r.configs, id)
	return true
}

// Get returns a copy of the configuration for id.
func (r *Registry) Get(id string) (ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return ProviderConfig{}, false
	}
	return cfg.clone(), true
}

// List returns every configuration sorted by id.
func (r *Registry) List() []ProviderConfig {
	r.mu.RLock()
	out := make([]ProviderConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDefault selects the provider used for unqualified, unlisted models.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[id]; !ok {
		return models.Errorf(models.ErrorInvalidRequest, "providers.default", "unknown provider %q", id)
	}
	r.defaultID = id
	return nil
}

// Default returns the default provider id.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// CreateProvider builds a fresh Provider for id. OAuth token sources are
// shared by every provider the registry creates for the same id.
func (r *Registry) CreateProvider(id string) (Provider, error) {
	r.mu.RLock()
	cfg, ok := r.configs[id]
	factory := r.factories[id]
	settings := r.settings
	r.mu.RUnlock()

	if !ok {
		return nil, models.Errorf(models.ErrorInvalidRequest, "providers.create", "unknown provider %q", id)
	}
	base, err := NewBaseProvider(cfg, settings)
	if err != nil {
		return nil, err
	}
	switch {
	case factory != nil:
		return factory(base), nil
	case cfg.OAuth != nil:
		return newOAuthProvider(base, r.tokens), nil
	default:
		return base, nil
	}
}

// ResolveModel maps a logical model name to a provider id and the model name
// sent to that provider. "provider/model" selects a provider explicitly;
// otherwise the first provider listing the model wins, then the default.
func (r *Registry) ResolveModel(logical string) (string, string, error) {
	logical = strings.TrimSpace(logical)
	if logical == "" {
		return "", "", models.NewError(models.ErrorInvalidRequest, "providers.resolve", "model is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if prefix, rest, ok := strings.Cut(logical, "/"); ok && rest != "" {
		if _, known := r.configs[prefix]; known {
			return prefix, rest, nil
		}
	}

	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r.configs[id].HasModel(logical) {
			return id, logical, nil
		}
	}

	if _, ok := r.configs[r.defaultID]; !ok {
		return "", "", models.Errorf(models.ErrorInvalidRequest, "providers.resolve",
			"no provider serves model %q and default provider %q is not registered", logical, r.defaultID)
	}
	return r.defaultID, logical, nil
}
