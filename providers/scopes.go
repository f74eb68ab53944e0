package providers

const (
	ScopeOpenID  = "openid"
	ScopeEmail   = "email"
	ScopeProfile = "profile"
)

// WithIdentityScopes appends the OpenID Connect identity scopes used to
// resolve the external account id.
func WithIdentityScopes(scopes []string, include bool) []string {
	if !include {
		return normalizeScopes(scopes)
	}
	return normalizeScopes(append(append([]string(nil), scopes...), ScopeOpenID, ScopeProfile, ScopeEmail))
}
