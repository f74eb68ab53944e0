package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TokenPayloadFormatJSONV1 = "link_tokens_json"
	TokenPayloadVersionV1    = 1
)

// TokenPayload is every secret field of a ProviderLink. Stores persist it as
// one sealed value so the access and refresh tokens always change together.
type TokenPayload struct {
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
}

func TokenPayloadFromLink(link ProviderLink) TokenPayload {
	return TokenPayload{
		AccessToken:       link.AccessToken,
		RefreshToken:      link.RefreshToken,
		AccessTokenExpiry: link.AccessTokenExpiry,
	}
}

func (p TokenPayload) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Apply copies the payload's token fields onto link.
func (p TokenPayload) Apply(link ProviderLink) ProviderLink {
	link.AccessToken = p.AccessToken
	link.RefreshToken = p.RefreshToken
	link.AccessTokenExpiry = p.AccessTokenExpiry
	return link
}

type TokenCodec interface {
	Format() string
	Version() int
	Encode(payload TokenPayload) ([]byte, error)
	Decode(raw []byte) (TokenPayload, error)
}

type JSONTokenCodec struct{}

func (JSONTokenCodec) Format() string {
	return TokenPayloadFormatJSONV1
}

func (JSONTokenCodec) Version() int {
	return TokenPayloadVersionV1
}

type jsonTokenPayload struct {
	AccessToken       string     `json:"access_token,omitempty"`
	RefreshToken      string     `json:"refresh_token,omitempty"`
	AccessTokenExpiry *time.Time `json:"access_token_expiry,omitempty"`
}

func (JSONTokenCodec) Encode(payload TokenPayload) ([]byte, error) {
	encoded, err := json.Marshal(jsonTokenPayload{
		AccessToken:       strings.TrimSpace(payload.AccessToken),
		RefreshToken:      strings.TrimSpace(payload.RefreshToken),
		AccessTokenExpiry: timePointer(payload.AccessTokenExpiry),
	})
	if err != nil {
		return nil, fmt.Errorf("core: encode token payload: %w", err)
	}
	return encoded, nil
}

func (JSONTokenCodec) Decode(raw []byte) (TokenPayload, error) {
	if len(raw) == 0 {
		return TokenPayload{}, fmt.Errorf("core: token payload is empty")
	}
	decoded := jsonTokenPayload{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return TokenPayload{}, fmt.Errorf("core: decode token payload: %w", err)
	}
	payload := TokenPayload{
		AccessToken:  strings.TrimSpace(decoded.AccessToken),
		RefreshToken: strings.TrimSpace(decoded.RefreshToken),
	}
	if decoded.AccessTokenExpiry != nil {
		payload.AccessTokenExpiry = decoded.AccessTokenExpiry.UTC()
	}
	return payload, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}
