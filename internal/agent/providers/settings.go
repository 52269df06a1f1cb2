package providers

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// SettingsReader looks up user settings by key. The storage layer implements
// it; MapSettings is an in-memory version.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// SettingsWriter persists settings changed by the providers themselves, such
// as rotated OAuth refresh tokens.
type SettingsWriter interface {
	SetSetting(ctx context.Context, key, value string) error
}

// Setting key builders. Every per-provider setting is suffixed with the id.
func BaseURLSetting(id string) string       { return "base_url_" + id }
func APIKeySetting(id string) string        { return "api_key_" + id }
func CodingPlanSetting(id string) string    { return "use_coding_plan_" + id }
func InternationalSetting(id string) string { return "use_international_" + id }
func CustomHeadersSetting(id string) string { return "custom_headers_" + id }
func RefreshTokenSetting(id string) string  { return "oauth_refresh_token_" + id }
func AuthModeSetting(id string) string      { return "auth_mode_" + id }

// MapSettings is a concurrency-safe in-memory SettingsReader.
type MapSettings struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapSettings creates settings seeded with values.
func NewMapSettings(values map[string]string) *MapSettings {
	s := &MapSettings{values: make(map[string]string, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// GetSetting implements SettingsReader.
func (s *MapSettings) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores a value.
func (s *MapSettings) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// SetSetting implements SettingsWriter.
func (s *MapSettings) SetSetting(_ context.Context, key, value string) error {
	s.Set(key, value)
	return nil
}

// Delete removes a value.
func (s *MapSettings) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// stringSetting returns a trimmed value; blank values count as unset.
func stringSetting(ctx context.Context, settings SettingsReader, key string) (string, error) {
	if settings == nil {
		return "", nil
	}
	v, ok, err := settings.GetSetting(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

func boolSetting(ctx context.Context, settings SettingsReader, key string) (bool, error) {
	v, err := stringSetting(ctx, settings, key)
	if err != nil || v == "" {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, nil
	}
	return b, nil
}
