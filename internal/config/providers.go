package config

import (
	"context"
	"fmt"

	"github.com/haasonsaas/codeloop/internal/agent/providers"
)

// SettingsWriter receives the seed settings.
type SettingsWriter interface {
	SetSetting(ctx context.Context, key, value string) error
}

// ApplyProviders registers configured providers on reg and selects the
// default provider. Overrides of built-in ids inherit blank fields.
func (c *Config) ApplyProviders(reg *providers.Registry) error {
	for _, p := range c.Providers {
		merged := p
		if base, ok := reg.Get(p.ID); ok {
			merged = mergeProvider(base, p)
		}
		if err := reg.Register(merged); err != nil {
			return fmt.Errorf("register provider %s: %w", p.ID, err)
		}
	}
	if err := reg.SetDefault(c.DefaultProvider); err != nil {
		return fmt.Errorf("default_provider: %w", err)
	}
	return nil
}

// SeedSettings writes configured settings that the store does not hold yet,
// so values changed at runtime survive a restart.
func (c *Config) SeedSettings(ctx context.Context, reader providers.SettingsReader, writer SettingsWriter) error {
	for key, value := range c.Settings {
		if _, ok, err := reader.GetSetting(ctx, key); err != nil {
			return err
		} else if ok {
			continue
		}
		if err := writer.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

func mergeProvider(base, override providers.ProviderConfig) providers.ProviderConfig {
	out := base
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	str(&out.Name, override.Name)
	str(&out.BaseURL, override.BaseURL)
	str(&out.CodingPlanBaseURL, override.CodingPlanBaseURL)
	str(&out.InternationalBaseURL, override.InternationalBaseURL)
	str(&out.EndpointPath, override.EndpointPath)
	str(&out.LegacyKeySetting, override.LegacyKeySetting)
	if override.Protocol != "" {
		out.Protocol = override.Protocol
	}
	if override.AuthType != "" {
		out.AuthType = override.AuthType
	}
	if len(override.Headers) > 0 {
		headers := make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			headers[k] = v
		}
		for k, v := range override.Headers {
			headers[k] = v
		}
		out.Headers = headers
	}
	if len(override.Body) > 0 {
		out.Body = override.Body
	}
	if len(override.DropParams) > 0 {
		out.DropParams = override.DropParams
	}
	if len(override.Models) > 0 {
		out.Models = override.Models
	}
	if override.OAuth != nil {
		out.OAuth = override.OAuth
	}
	return out
}

// ReloadProviders applies next after prev was applied to reg. Providers
// dropped from the file revert to their built-in definition or disappear.
func ReloadProviders(reg *providers.Registry, prev, next *Config) error {
	builtins := map[string]providers.ProviderConfig{}
	for _, p := range providers.BuiltinConfigs() {
		builtins[p.ID] = p
	}
	keep := map[string]bool{}
	for _, p := range next.Providers {
		keep[p.ID] = true
	}
	if prev != nil {
		for _, p := range prev.Providers {
			if keep[p.ID] {
				continue
			}
			if base, ok := builtins[p.ID]; ok {
				if err := reg.Register(base); err != nil {
					return err
				}
				continue
			}
			reg.Unregister(p.ID)
		}
		// Overrides merge onto the built-in, not onto the previous override.
		for _, p := range next.Providers {
			if base, ok := builtins[p.ID]; ok {
				if err := reg.Register(base); err != nil {
					return err
				}
			}
		}
	}
	return next.ApplyProviders(reg)
}
