package core

import "strings"

const RedactedValue = "[REDACTED]"

// secretKeyMarkers flag a log field as secret when they appear anywhere in
// its lowercased key.
var secretKeyMarkers = []string{"password", "secret", "token", "authorization", "code", "credential", "cookie"}

// traceKeys match a marker but only ever carry identifiers or outcomes.
var traceKeys = map[string]bool{
	"provider_id": true, "user_id": true, "external_account_id": true,
	"state": true, "link_state": true,
	"error_kind": true, "error_code": true, "text_code": true, "status_code": true,
	"token_expiry": true, "request_id": true, "trace_id": true,
}

// RedactSensitiveMap returns a copy of fields that is safe to log. Secret
// keys are masked at any depth and a ProviderLink is reduced to its
// identity, state and token introspection.
func RedactSensitiveMap(fields map[string]any) map[string]any {
	safe := make(map[string]any, len(fields))
	for key, value := range fields {
		if isSecretKey(key) {
			safe[key] = RedactedValue
		} else {
			safe[key] = redactValue(value)
		}
	}
	return safe
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return RedactSensitiveMap(v)
	case []any:
		items := make([]any, 0, len(v))
		for _, item := range v {
			items = append(items, redactValue(item))
		}
		return items
	case ProviderLink:
		return map[string]any{
			"user_id":     v.UserID,
			"provider_id": v.ProviderID,
			"state":       string(v.State),
			"tokens":      IntrospectTokens(v),
		}
	case *ProviderLink:
		if v == nil {
			return nil
		}
		return redactValue(*v)
	}
	return value
}

func isSecretKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || traceKeys[key] {
		return false
	}
	for _, marker := range secretKeyMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
