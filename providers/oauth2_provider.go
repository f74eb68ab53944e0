package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
	"golang.org/x/oauth2"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	defaultTokenTTL            = time.Hour
)

// AccountResolver looks up the provider-side account id for a fresh access
// token, typically through a userinfo endpoint.
type AccountResolver func(ctx context.Context, accessToken string) (string, error)

type OAuth2Config struct {
	ID           string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthStyle defaults to oauth2.AuthStyleInParams so no endpoint probing
	// happens on the first exchange.
	AuthStyle      oauth2.AuthStyle
	DefaultScopes  []string
	AuthParams     map[string]string
	TokenTTL       time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Now            func() time.Time
	ResolveAccount AccountResolver
}

// OAuth2Provider covers the token side of a calendar provider. Calendar
// adapters embed it and add FetchEvents and NormalizeEvent.
type OAuth2Provider struct {
	cfg    OAuth2Config
	oauth  *oauth2.Config
	client *http.Client
}

func NewOAuth2Provider(cfg OAuth2Config) (*OAuth2Provider, error) {
	cfg.ID = strings.TrimSpace(strings.ToLower(cfg.ID))
	if cfg.ID == "" {
		return nil, fmt.Errorf("providers: provider id is required")
	}
	cfg.AuthURL = strings.TrimSpace(cfg.AuthURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.RevokeURL = strings.TrimSpace(cfg.RevokeURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("providers: auth url is required for provider %q", cfg.ID)
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: token url is required for provider %q", cfg.ID)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("providers: client id is required for provider %q", cfg.ID)
	}
	if cfg.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.AuthStyle = oauth2.AuthStyleInParams
	}
	cfg.DefaultScopes = normalizeScopes(cfg.DefaultScopes)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTokenRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &OAuth2Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  strings.TrimSpace(cfg.RedirectURL),
			Scopes:       append([]string(nil), cfg.DefaultScopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: cfg.AuthStyle,
			},
		},
		client: client,
	}, nil
}

func (p *OAuth2Provider) ID() string {
	if p == nil {
		return ""
	}
	return p.cfg.ID
}

// HTTPClient is the client used for token and resource calls.
func (p *OAuth2Provider) HTTPClient() *http.Client {
	if p == nil {
		return http.DefaultClient
	}
	return p.client
}

// BearerClient returns an HTTP client that sends accessToken on every
// request, reusing the provider's transport.
func (p *OAuth2Provider) BearerClient(ctx context.Context, accessToken string) *http.Client {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient())
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: strings.TrimSpace(accessToken),
		TokenType:   "Bearer",
	}))
}

func (p *OAuth2Provider) BuildAuthorizationURL(_ context.Context, req core.AuthorizationRequest) (string, error) {
	if p == nil {
		return "", fmt.Errorf("providers: oauth2 provider is nil")
	}
	state := strings.TrimSpace(req.State)
	if state == "" {
		return "", fmt.Errorf("providers: oauth state is required")
	}
	scopes := normalizeScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = p.cfg.DefaultScopes
	}

	options := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("scope", strings.Join(scopes, " ")),
	}
	if redirectURI := strings.TrimSpace(req.RedirectURI); redirectURI != "" {
		options = append(options, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	for key, value := range p.cfg.AuthParams {
		if strings.TrimSpace(key) == "" {
			continue
		}
		options = append(options, oauth2.SetAuthURLParam(key, value))
	}
	return p.oauth.AuthCodeURL(state, options...), nil
}

func (p *OAuth2Provider) ExchangeCode(ctx context.Context, req core.ExchangeRequest) (core.TokenGrant, error) {
	if p == nil {
		return core.TokenGrant{}, fmt.Errorf("providers: oauth2 provider is nil")
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return core.TokenGrant{}, fmt.Errorf("providers: authorization code is required")
	}

	var options []oauth2.AuthCodeOption
	if redirectURI := strings.TrimSpace(req.RedirectURI); redirectURI != "" {
		options = append(options, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}

	requestCtx, cancel := p.tokenContext(ctx)
	defer cancel()
	token, err := p.oauth.Exchange(requestCtx, code, options...)
	if err != nil {
		return core.TokenGrant{}, ClassifyTokenError(p.cfg.ID, err)
	}
	grant, err := p.grantFromToken(token)
	if err != nil {
		return core.TokenGrant{}, err
	}

	if p.cfg.ResolveAccount != nil {
		accountID, resolveErr := p.cfg.ResolveAccount(requestCtx, grant.AccessToken)
		if resolveErr != nil {
			return core.TokenGrant{}, ClassifyResourceError(p.cfg.ID, "resolve account", resolveErr)
		}
		grant.ExternalAccountID = strings.TrimSpace(accountID)
	}
	return grant, nil
}

func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	if p == nil {
		return core.TokenGrant{}, fmt.Errorf("providers: oauth2 provider is nil")
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return core.TokenGrant{}, core.NewReauthRequiredError(p.cfg.ID, nil)
	}

	requestCtx, cancel := p.tokenContext(ctx)
	defer cancel()
	token, err := p.oauth.TokenSource(requestCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return core.TokenGrant{}, ClassifyTokenError(p.cfg.ID, err)
	}
	grant, err := p.grantFromToken(token)
	if err != nil {
		return core.TokenGrant{}, err
	}
	// x/oauth2 echoes the old refresh token when the server does not rotate.
	if grant.RefreshToken == refreshToken {
		grant.RefreshToken = ""
	}
	return grant, nil
}

// Revoke posts the token to the revocation endpoint. Providers without one
// treat revocation as a no-op.
func (p *OAuth2Provider) Revoke(ctx context.Context, token string) error {
	if p == nil || p.cfg.RevokeURL == "" {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}

	requestCtx, cancel := p.tokenContext(ctx)
	defer cancel()
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, p.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return core.NewProviderError(core.ErrorKindMalformed, p.cfg.ID, "build revocation request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := p.client.Do(req)
	if err != nil {
		return ClassifyResourceError(p.cfg.ID, "revoke token", err)
	}
	defer res.Body.Close()
	// 400 means the token is already invalid, which is the desired outcome.
	if res.StatusCode == http.StatusOK || res.StatusCode == http.StatusBadRequest {
		return nil
	}
	return ClassifyStatus(p.cfg.ID, res.StatusCode, "revoke token", nil)
}

func (p *OAuth2Provider) tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	return context.WithTimeout(ctx, p.cfg.RequestTimeout)
}

func (p *OAuth2Provider) grantFromToken(token *oauth2.Token) (core.TokenGrant, error) {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return core.TokenGrant{}, core.NewProviderError(core.ErrorKindMalformed, p.cfg.ID, "token response is missing an access token", nil)
	}
	grant := core.TokenGrant{
		AccessToken:  strings.TrimSpace(token.AccessToken),
		RefreshToken: strings.TrimSpace(token.RefreshToken),
		Expiry:       p.resolveExpiry(token),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scopes = normalizeScopes(strings.Fields(scope))
	}
	return grant, nil
}

// resolveExpiry prefers the relative expires_in (already applied by
// x/oauth2), then an absolute expires_on epoch, then the configured TTL.
func (p *OAuth2Provider) resolveExpiry(token *oauth2.Token) time.Time {
	if !token.Expiry.IsZero() {
		return token.Expiry.UTC()
	}
	if epoch := readEpoch(token.Extra("expires_on")); epoch > 0 {
		return time.Unix(epoch, 0).UTC()
	}
	return p.cfg.Now().UTC().Add(p.cfg.TokenTTL)
}

func readEpoch(value any) int64 {
	switch typed := value.(type) {
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			return parsed
		}
	case float64:
		return int64(typed)
	case int64:
		return typed
	}
	return 0
}

// ClassifyTokenError maps token endpoint failures onto provider error kinds.
// Only a rejected grant (invalid_grant, or a revoked invalid_token) means the
// user must reconnect. A rejected client is an application credential
// problem and must not cost users their stored tokens, so it and any other
// unexplained 401 or 403 are reported as malformed.
func ClassifyTokenError(providerID string, err error) error {
	if err == nil {
		return nil
	}
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return ClassifyResourceError(providerID, "token request", err)
	}
	code := strings.TrimSpace(retrieveErr.ErrorCode)
	switch code {
	case "invalid_grant", "invalid_token":
		return core.NewProviderError(core.ErrorKindReauthRequired, providerID, "token endpoint rejected the grant: "+code, err)
	case "invalid_client", "unauthorized_client":
		return core.NewProviderError(core.ErrorKindMalformed, providerID, "token endpoint rejected the client credentials: "+code, err)
	}
	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return core.NewProviderError(core.ErrorKindMalformed, providerID, fmt.Sprintf("token endpoint refused the request (status %d)", status), err)
	}
	return ClassifyStatus(providerID, status, "token endpoint error", err)
}

// ClassifyStatus maps a non-2xx HTTP status onto a provider error kind.
func ClassifyStatus(providerID string, status int, message string, cause error) error {
	message = strings.TrimSpace(fmt.Sprintf("%s (status %d)", message, status))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.NewProviderError(core.ErrorKindReauthRequired, providerID, message, cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return core.NewProviderError(core.ErrorKindTransient, providerID, message, cause)
	default:
		return core.NewProviderError(core.ErrorKindMalformed, providerID, message, cause)
	}
}

// ClassifyResourceError keeps errors that already carry a kind and treats
// network and deadline failures as transient. Anything else is a response
// the adapter could not understand.
func ClassifyResourceError(providerID, message string, err error) error {
	if err == nil {
		return nil
	}
	switch core.ClassifyError(err) {
	case core.ErrorKindTransient, core.ErrorKindReauthRequired, core.ErrorKindMalformed, core.ErrorKindNotLinked:
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return core.NewProviderError(core.ErrorKindTransient, providerID, message, err)
	}
	return core.NewProviderError(core.ErrorKindMalformed, providerID, message, err)
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := map[string]struct{}{}
	for _, scope := range scopes {
		for _, part := range strings.Fields(scope) {
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
