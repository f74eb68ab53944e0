package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultRefreshSafetyMargin       = 60 * time.Second
	defaultRefreshTimeout            = 15 * time.Second
	defaultRefreshLockTTL            = 30 * time.Second
	defaultConsentTimeout            = 10 * time.Minute
	defaultAggregationMaxConcurrency = 4
	defaultProviderTimeout           = 10 * time.Second
	defaultRequestTimeout            = 20 * time.Second
	defaultProviderRateLimit         = 5.0
	defaultProviderBurst             = 5
	defaultDedupTimeTolerance        = 5 * time.Minute
)

type RefreshConfig struct {
	SafetyMargin time.Duration `koanf:"safety_margin" mapstructure:"safety_margin"`
	Timeout      time.Duration `koanf:"timeout" mapstructure:"timeout"`
	LockTTL      time.Duration `koanf:"lock_ttl" mapstructure:"lock_ttl"`
}

type ConsentConfig struct {
	Timeout              time.Duration `koanf:"timeout" mapstructure:"timeout"`
	RequireRedirectMatch bool          `koanf:"require_redirect_match" mapstructure:"require_redirect_match"`
}

type AggregationConfig struct {
	MaxConcurrency    int           `koanf:"max_concurrency" mapstructure:"max_concurrency"`
	ProviderTimeout   time.Duration `koanf:"provider_timeout" mapstructure:"provider_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout" mapstructure:"request_timeout"`
	ProviderRateLimit float64       `koanf:"provider_rate_limit" mapstructure:"provider_rate_limit"`
	ProviderBurst     int           `koanf:"provider_burst" mapstructure:"provider_burst"`
}

type DedupConfig struct {
	Enabled                         bool          `koanf:"enabled" mapstructure:"enabled"`
	TimeTolerance                   time.Duration `koanf:"time_tolerance" mapstructure:"time_tolerance"`
	MinTitleSimilarity              float64       `koanf:"min_title_similarity" mapstructure:"min_title_similarity"`
	RequireSharedAttendeeOrLocation bool          `koanf:"require_shared_attendee_or_location" mapstructure:"require_shared_attendee_or_location"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Refresh     RefreshConfig     `koanf:"refresh" mapstructure:"refresh"`
	Consent     ConsentConfig     `koanf:"consent" mapstructure:"consent"`
	Aggregation AggregationConfig `koanf:"aggregation" mapstructure:"aggregation"`
	Dedup       DedupConfig       `koanf:"dedup" mapstructure:"dedup"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "calendar-links",
		Refresh: RefreshConfig{
			SafetyMargin: defaultRefreshSafetyMargin,
			Timeout:      defaultRefreshTimeout,
			LockTTL:      defaultRefreshLockTTL,
		},
		Consent: ConsentConfig{
			Timeout:              defaultConsentTimeout,
			RequireRedirectMatch: true,
		},
		Aggregation: AggregationConfig{
			MaxConcurrency:    defaultAggregationMaxConcurrency,
			ProviderTimeout:   defaultProviderTimeout,
			RequestTimeout:    defaultRequestTimeout,
			ProviderRateLimit: defaultProviderRateLimit,
			ProviderBurst:     defaultProviderBurst,
		},
		Dedup: DedupConfig{
			Enabled:                         true,
			TimeTolerance:                   defaultDedupTimeTolerance,
			MinTitleSimilarity:              1,
			RequireSharedAttendeeOrLocation: true,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Refresh.SafetyMargin < 0 {
		return fmt.Errorf("core: refresh.safety_margin must not be negative")
	}
	if c.Consent.Timeout < 0 {
		return fmt.Errorf("core: consent.timeout must not be negative")
	}
	if c.Aggregation.MaxConcurrency < 0 {
		return fmt.Errorf("core: aggregation.max_concurrency must not be negative")
	}
	if c.Aggregation.ProviderRateLimit < 0 || c.Aggregation.ProviderBurst < 0 {
		return fmt.Errorf("core: aggregation rate limit settings must not be negative")
	}
	if c.Dedup.TimeTolerance < 0 {
		return fmt.Errorf("core: dedup.time_tolerance must not be negative")
	}
	if c.Dedup.MinTitleSimilarity < 0 || c.Dedup.MinTitleSimilarity > 1 {
		return fmt.Errorf("core: dedup.min_title_similarity must be between 0 and 1")
	}
	return nil
}

func (c Config) MatchPolicy() MatchPolicy {
	return MatchPolicy{
		Enabled:                         c.Dedup.Enabled,
		TimeTolerance:                   c.Dedup.TimeTolerance,
		MinTitleSimilarity:              c.Dedup.MinTitleSimilarity,
		RequireSharedAttendeeOrLocation: c.Dedup.RequireSharedAttendeeOrLocation,
	}
}
