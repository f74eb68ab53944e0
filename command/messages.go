package command

import (
	"net/url"
	"strings"

	"github.com/goliatone/go-calendar-links/core"
)

const (
	TypeConnect         = "calendar_links.command.connect"
	TypeCompleteConsent = "calendar_links.command.consent.complete"
	TypeDisconnect      = "calendar_links.command.disconnect"
)

type ConnectMessage struct {
	Request core.ConnectRequest
}

func (ConnectMessage) Type() string { return TypeConnect }

func (m ConnectMessage) Validate() error {
	if err := validateLinkTarget(m.Request.UserID, m.Request.ProviderID); err != nil {
		return err
	}
	if redirect := strings.TrimSpace(m.Request.RedirectURI); redirect != "" {
		parsed, err := url.Parse(redirect)
		if err != nil || !parsed.IsAbs() {
			return core.NewFieldError("command", "redirect_uri", "must be an absolute url")
		}
	}
	return nil
}

type CompleteConsentMessage struct {
	Request core.CompleteConsentRequest
}

func (CompleteConsentMessage) Type() string { return TypeCompleteConsent }

func (m CompleteConsentMessage) Validate() error {
	if err := validateLinkTarget(m.Request.UserID, m.Request.ProviderID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.Code) == "" {
		return core.NewFieldError("command", "code", "authorization code is required")
	}
	if strings.TrimSpace(m.Request.State) == "" {
		return core.NewFieldError("command", "state", "oauth state is required")
	}
	return nil
}

type DisconnectMessage struct {
	Request core.DisconnectRequest
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	return validateLinkTarget(m.Request.UserID, m.Request.ProviderID)
}

// validateLinkTarget leaves an empty user id to the service so callers get
// the unauthenticated error rather than a validation failure.
func validateLinkTarget(userID, providerID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	if strings.TrimSpace(providerID) == "" {
		return core.NewFieldError("command", "provider_id", "provider id is required")
	}
	return nil
}
