package main

import (
	"fmt"

	"github.com/goliatone/go-calendar-links/core"
	"github.com/goliatone/go-calendar-links/providers/caldav"
	"github.com/goliatone/go-calendar-links/providers/google"
	"github.com/goliatone/go-calendar-links/providers/microsoft"
	"github.com/goliatone/go-calendar-links/providers/notion"
)

// buildProviders returns an adapter for every provider with client
// credentials configured.
func buildProviders(s settings) ([]core.Provider, error) {
	var out []core.Provider

	if s.Google.configured() {
		cfg := google.DefaultConfig()
		cfg.ClientID = s.Google.ClientID
		cfg.ClientSecret = s.Google.ClientSecret
		cfg.RedirectURL = s.callbackURL(google.ProviderID)
		cfg.RequestTimeout = s.ProviderTimeout
		provider, err := google.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		out = append(out, provider)
	}

	if s.Microsoft.configured() {
		cfg := microsoft.DefaultConfig()
		cfg.ClientID = s.Microsoft.ClientID
		cfg.ClientSecret = s.Microsoft.ClientSecret
		cfg.RedirectURL = s.callbackURL(microsoft.ProviderID)
		cfg.RequestTimeout = s.ProviderTimeout
		if s.Microsoft.Tenant != "" && s.Microsoft.Tenant != cfg.Tenant {
			cfg.Tenant = s.Microsoft.Tenant
			cfg.AuthURL = ""
			cfg.TokenURL = ""
		}
		provider, err := microsoft.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("microsoft provider: %w", err)
		}
		out = append(out, provider)
	}

	if s.CalDAV.configured() {
		provider, err := caldav.New(caldav.Config{
			ClientID:       s.CalDAV.ClientID,
			ClientSecret:   s.CalDAV.ClientSecret,
			RedirectURL:    s.callbackURL(caldav.ProviderID),
			AuthURL:        s.CalDAV.AuthURL,
			TokenURL:       s.CalDAV.TokenURL,
			Endpoint:       s.CalDAV.Endpoint,
			RequestTimeout: s.ProviderTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("caldav provider: %w", err)
		}
		out = append(out, provider)
	}

	if s.Notion.configured() {
		cfg := notion.DefaultConfig()
		cfg.ClientID = s.Notion.ClientID
		cfg.ClientSecret = s.Notion.ClientSecret
		cfg.RedirectURL = s.callbackURL(notion.ProviderID)
		cfg.DatabaseID = s.Notion.DatabaseID
		cfg.RequestTimeout = s.ProviderTimeout
		provider, err := notion.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("notion provider: %w", err)
		}
		out = append(out, provider)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no calendar providers configured")
	}
	return out, nil
}
