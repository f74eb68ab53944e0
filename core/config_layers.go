package core

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

// ConfigProvider loads Config on top of defaults.
type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

// RawConfigLoader returns nested config keyed like the Config struct tags.
type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

// OptionsResolver merges defaults, loaded config and runtime overrides.
// Later arguments win.
type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticConfigLoader map[string]any

// NewStaticConfigLoader serves a fixed raw config map, typically assembled
// from flags and environment by the binary.
func NewStaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticConfigLoader(values)
}

func (l staticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l == nil {
		return map[string]any{}, nil
	}
	return maps.Clone(map[string]any(l)), nil
}

// CfgxConfigProvider decodes raw config with go-config and validates it.
type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil || p.Loader == nil {
		return buildConfig(map[string]any{}, defaults)
	}
	raw, err := p.Loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	return buildConfig(raw, defaults)
}

func buildConfig(raw map[string]any, defaults Config) (Config, error) {
	return cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
}

// GoOptionsResolver stacks the three config layers with go-options. The
// loaded layer is complete: a ConfigProvider decodes onto the defaults, so
// an explicit false or zero it carries wins. The runtime Config has no way
// to mark a field as set, so only fields that are non-zero and differ from
// the defaults override. Use WithConfigOverrides to force a false or zero
// value at runtime.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(opts.NewScope("defaults", 0), configLayer(defaults, true), opts.WithSnapshotID[map[string]any]("defaults")),
		opts.NewLayer(opts.NewScope("config", 10), configLayer(loaded, true), opts.WithSnapshotID[map[string]any]("config")),
		opts.NewLayer(opts.NewScope("runtime", 20), withoutDefaults(configLayer(runtime, false), configLayer(defaults, true)), opts.WithSnapshotID[map[string]any]("runtime")),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	return buildConfig(merged.Value, defaults)
}

// layerBuilder collects one Config section, skipping zero values unless
// the layer keeps them.
type layerBuilder struct {
	keepZero bool
	values   map[string]any
}

func (b *layerBuilder) set(key string, value any, isZero bool) {
	if b.keepZero || !isZero {
		b.values[key] = value
	}
}

func (b *layerBuilder) duration(key string, value time.Duration) {
	b.set(key, value, value <= 0)
}

func configLayer(cfg Config, keepZero bool) map[string]any {
	section := func(fill func(*layerBuilder)) map[string]any {
		b := &layerBuilder{keepZero: keepZero, values: map[string]any{}}
		fill(b)
		return b.values
	}

	root := section(func(b *layerBuilder) {
		b.set("service_name", cfg.ServiceName, cfg.ServiceName == "")
	})
	sections := map[string]map[string]any{
		"refresh": section(func(b *layerBuilder) {
			b.duration("safety_margin", cfg.Refresh.SafetyMargin)
			b.duration("timeout", cfg.Refresh.Timeout)
			b.duration("lock_ttl", cfg.Refresh.LockTTL)
		}),
		"consent": section(func(b *layerBuilder) {
			b.duration("timeout", cfg.Consent.Timeout)
			b.set("require_redirect_match", cfg.Consent.RequireRedirectMatch, !cfg.Consent.RequireRedirectMatch)
		}),
		"aggregation": section(func(b *layerBuilder) {
			a := cfg.Aggregation
			b.set("max_concurrency", a.MaxConcurrency, a.MaxConcurrency <= 0)
			b.duration("provider_timeout", a.ProviderTimeout)
			b.duration("request_timeout", a.RequestTimeout)
			b.set("provider_rate_limit", a.ProviderRateLimit, a.ProviderRateLimit <= 0)
			b.set("provider_burst", a.ProviderBurst, a.ProviderBurst <= 0)
		}),
		"dedup": section(func(b *layerBuilder) {
			d := cfg.Dedup
			b.set("enabled", d.Enabled, !d.Enabled)
			b.duration("time_tolerance", d.TimeTolerance)
			b.set("min_title_similarity", d.MinTitleSimilarity, d.MinTitleSimilarity <= 0)
			b.set("require_shared_attendee_or_location", d.RequireSharedAttendeeOrLocation, !d.RequireSharedAttendeeOrLocation)
		}),
	}
	for name, values := range sections {
		if len(values) > 0 {
			root[name] = values
		}
	}
	return root
}

// withoutDefaults drops every key of layer whose value equals the one in
// defaults, descending into sections.
func withoutDefaults(layer, defaults map[string]any) map[string]any {
	for key, value := range layer {
		if section, ok := value.(map[string]any); ok {
			base, _ := defaults[key].(map[string]any)
			if section = withoutDefaults(section, base); len(section) == 0 {
				delete(layer, key)
			}
			continue
		}
		if base, ok := defaults[key]; ok && base == value {
			delete(layer, key)
		}
	}
	return layer
}

// applyOverrides decodes raw onto cfg. Only keys present in raw change,
// whatever their value.
func applyOverrides(cfg Config, raw map[string]any) (Config, error) {
	if len(raw) == 0 {
		return cfg, nil
	}
	return buildConfig(raw, cfg)
}
