package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/goliatone/go-calendar-links/core"
)

const envPrefix = "CALENDAR_LINKS_"

type providerSettings struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Tenant       string
	Endpoint     string
	DatabaseID   string
}

func (p providerSettings) configured() bool {
	return strings.TrimSpace(p.ClientID) != ""
}

type settings struct {
	Addr            string
	LogLevel        string
	DBDriver        string
	DBDSN           string
	DBDebug         bool
	AppKey          string
	AppKeyID        string
	PublicURL       string
	IdentityHeader  string
	RateLimit       int
	CacheTTL        time.Duration
	ConsentTimeout  time.Duration
	RefreshMargin   time.Duration
	MaxConcurrency  int
	ProviderTimeout time.Duration
	DedupTolerance  time.Duration

	// The switches below loosen defaults, so their zero value keeps them.
	DisableDedup        bool
	DedupAnyContext     bool
	AllowRedirectChange bool

	Google    providerSettings
	Microsoft providerSettings
	CalDAV    providerSettings
	Notion    providerSettings
}

func envVar(name string) []string {
	return []string{envPrefix + name}
}

func databaseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "db-driver", Value: "sqlite3", Usage: "postgres or sqlite3", EnvVars: envVar("DB_DRIVER")},
		&cli.StringFlag{Name: "db-dsn", Value: "file:calendar-links.db?cache=shared&_foreign_keys=on", EnvVars: envVar("DB_DSN")},
		&cli.BoolFlag{Name: "db-debug", EnvVars: envVar("DB_DEBUG")},
		&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: envVar("LOG_LEVEL")},
	}
}

func serveFlags() []cli.Flag {
	flags := databaseFlags()
	return append(flags,
		&cli.StringFlag{Name: "addr", Value: ":8080", EnvVars: envVar("ADDR")},
		&cli.StringFlag{Name: "app-key", Usage: "key material sealing stored tokens", EnvVars: envVar("APP_KEY"), Required: true},
		&cli.StringFlag{Name: "app-key-id", Value: "calendar-links", EnvVars: envVar("APP_KEY_ID")},
		&cli.StringFlag{Name: "public-url", Usage: "external base url used to build provider callbacks", EnvVars: envVar("PUBLIC_URL"), Required: true},
		&cli.StringFlag{Name: "identity-header", Value: "X-Authenticated-User", EnvVars: envVar("IDENTITY_HEADER")},
		&cli.IntFlag{Name: "rate-limit", Value: 120, Usage: "requests per minute per user, 0 disables", EnvVars: envVar("RATE_LIMIT")},
		&cli.DurationFlag{Name: "cache-ttl", Usage: "credential read cache ttl, 0 disables", EnvVars: envVar("CACHE_TTL")},
		&cli.DurationFlag{Name: "consent-timeout", Value: 10 * time.Minute, EnvVars: envVar("CONSENT_TIMEOUT")},
		&cli.DurationFlag{Name: "refresh-safety-margin", Value: time.Minute, EnvVars: envVar("REFRESH_SAFETY_MARGIN")},
		&cli.IntFlag{Name: "max-concurrency", Value: 4, EnvVars: envVar("MAX_CONCURRENCY")},
		&cli.DurationFlag{Name: "provider-timeout", Value: 10 * time.Second, EnvVars: envVar("PROVIDER_TIMEOUT")},
		&cli.DurationFlag{Name: "dedup-tolerance", Value: 5 * time.Minute, EnvVars: envVar("DEDUP_TOLERANCE")},
		&cli.BoolFlag{Name: "disable-dedup", Usage: "return duplicate events from different providers unmerged", EnvVars: envVar("DISABLE_DEDUP")},
		&cli.BoolFlag{Name: "dedup-any-context", Usage: "merge matches without a shared attendee or location", EnvVars: envVar("DEDUP_ANY_CONTEXT")},
		&cli.BoolFlag{Name: "allow-redirect-change", Usage: "accept a consent callback whose redirect differs from the one issued", EnvVars: envVar("ALLOW_REDIRECT_CHANGE")},

		&cli.StringFlag{Name: "google-client-id", EnvVars: envVar("GOOGLE_CLIENT_ID")},
		&cli.StringFlag{Name: "google-client-secret", EnvVars: envVar("GOOGLE_CLIENT_SECRET")},

		&cli.StringFlag{Name: "microsoft-client-id", EnvVars: envVar("MICROSOFT_CLIENT_ID")},
		&cli.StringFlag{Name: "microsoft-client-secret", EnvVars: envVar("MICROSOFT_CLIENT_SECRET")},
		&cli.StringFlag{Name: "microsoft-tenant", Value: "common", EnvVars: envVar("MICROSOFT_TENANT")},

		&cli.StringFlag{Name: "caldav-client-id", EnvVars: envVar("CALDAV_CLIENT_ID")},
		&cli.StringFlag{Name: "caldav-client-secret", EnvVars: envVar("CALDAV_CLIENT_SECRET")},
		&cli.StringFlag{Name: "caldav-auth-url", EnvVars: envVar("CALDAV_AUTH_URL")},
		&cli.StringFlag{Name: "caldav-token-url", EnvVars: envVar("CALDAV_TOKEN_URL")},
		&cli.StringFlag{Name: "caldav-endpoint", EnvVars: envVar("CALDAV_ENDPOINT")},

		&cli.StringFlag{Name: "notion-client-id", EnvVars: envVar("NOTION_CLIENT_ID")},
		&cli.StringFlag{Name: "notion-client-secret", EnvVars: envVar("NOTION_CLIENT_SECRET")},
		&cli.StringFlag{Name: "notion-database-id", Usage: "calendar database, discovered from shared databases when empty", EnvVars: envVar("NOTION_DATABASE_ID")},
	)
}

func settingsFromContext(c *cli.Context) settings {
	return settings{
		Addr:            c.String("addr"),
		LogLevel:        c.String("log-level"),
		DBDriver:        c.String("db-driver"),
		DBDSN:           c.String("db-dsn"),
		DBDebug:         c.Bool("db-debug"),
		AppKey:          c.String("app-key"),
		AppKeyID:        c.String("app-key-id"),
		PublicURL:       c.String("public-url"),
		IdentityHeader:  c.String("identity-header"),
		RateLimit:       c.Int("rate-limit"),
		CacheTTL:        c.Duration("cache-ttl"),
		ConsentTimeout:  c.Duration("consent-timeout"),
		RefreshMargin:   c.Duration("refresh-safety-margin"),
		MaxConcurrency:  c.Int("max-concurrency"),
		ProviderTimeout: c.Duration("provider-timeout"),
		DedupTolerance:  c.Duration("dedup-tolerance"),

		DisableDedup:        c.Bool("disable-dedup"),
		DedupAnyContext:     c.Bool("dedup-any-context"),
		AllowRedirectChange: c.Bool("allow-redirect-change"),

		Google: providerSettings{
			ClientID:     c.String("google-client-id"),
			ClientSecret: c.String("google-client-secret"),
		},
		Microsoft: providerSettings{
			ClientID:     c.String("microsoft-client-id"),
			ClientSecret: c.String("microsoft-client-secret"),
			Tenant:       c.String("microsoft-tenant"),
		},
		CalDAV: providerSettings{
			ClientID:     c.String("caldav-client-id"),
			ClientSecret: c.String("caldav-client-secret"),
			AuthURL:      c.String("caldav-auth-url"),
			TokenURL:     c.String("caldav-token-url"),
			Endpoint:     c.String("caldav-endpoint"),
		},
		Notion: providerSettings{
			ClientID:     c.String("notion-client-id"),
			ClientSecret: c.String("notion-client-secret"),
			DatabaseID:   c.String("notion-database-id"),
		},
	}
}

// callbackURL is the redirect registered with each provider's OAuth app.
func (s settings) callbackURL(providerID string) string {
	return strings.TrimSuffix(strings.TrimSpace(s.PublicURL), "/") + "/providers/" + providerID + "/callback"
}

// serviceConfig is the runtime layer handed to the core config provider.
// Zero values are left out so core defaults apply.
func (s settings) serviceConfig() map[string]any {
	raw := map[string]any{"service_name": "calendar-links"}
	consent := map[string]any{}
	if s.ConsentTimeout > 0 {
		consent["timeout"] = s.ConsentTimeout
	}
	if s.AllowRedirectChange {
		consent["require_redirect_match"] = false
	}
	refresh := map[string]any{}
	if s.RefreshMargin > 0 {
		refresh["safety_margin"] = s.RefreshMargin
	}
	aggregation := map[string]any{}
	if s.MaxConcurrency > 0 {
		aggregation["max_concurrency"] = s.MaxConcurrency
	}
	if s.ProviderTimeout > 0 {
		aggregation["provider_timeout"] = s.ProviderTimeout
	}
	dedup := map[string]any{}
	if s.DedupTolerance > 0 {
		dedup["time_tolerance"] = s.DedupTolerance
	}
	if s.DisableDedup {
		dedup["enabled"] = false
	}
	if s.DedupAnyContext {
		dedup["require_shared_attendee_or_location"] = false
	}
	for key, section := range map[string]map[string]any{
		"consent":     consent,
		"refresh":     refresh,
		"aggregation": aggregation,
		"dedup":       dedup,
	} {
		if len(section) > 0 {
			raw[key] = section
		}
	}
	return raw
}

func (s settings) validate() error {
	if strings.TrimSpace(s.PublicURL) == "" {
		return fmt.Errorf("public url is required")
	}
	if !s.Google.configured() && !s.Microsoft.configured() && !s.CalDAV.configured() && !s.Notion.configured() {
		return fmt.Errorf("at least one provider must be configured")
	}
	if s.CalDAV.configured() && strings.TrimSpace(s.CalDAV.Endpoint) == "" {
		return fmt.Errorf("caldav endpoint is required when caldav is configured")
	}
	return nil
}

func loadServiceConfig(s settings) core.ConfigProvider {
	return core.NewCfgxConfigProvider(core.NewStaticConfigLoader(s.serviceConfig()))
}
