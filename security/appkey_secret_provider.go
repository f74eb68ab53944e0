package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-calendar-links/core"
)

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals token payloads with AES-GCM under an
// application key. Payloads sealed by retired keys stay readable until the
// key's retirement deadline so links survive a key rotation.
type AppKeySecretProvider struct {
	active  sealingKey
	retired map[string]sealingKey
	now     func() time.Time
}

type sealingKey struct {
	id      string
	version int
	aead    cipher.AEAD
	until   time.Time
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.active.id = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.active.version = version
		}
	}
}

// WithRetiredKey keeps an older key available for Decrypt. A zero until
// means the key never expires.
func WithRetiredKey(id string, version int, material []byte, until time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		id = strings.TrimSpace(id)
		material = bytes.TrimSpace(material)
		if id == "" || len(material) == 0 {
			return
		}
		aead, err := newAEAD(material)
		if err != nil {
			return
		}
		if version <= 0 {
			version = 1
		}
		provider.retired[keyRef(id, version)] = sealingKey{id: id, version: version, aead: aead, until: until.UTC()}
	}
}

func WithClock(now func() time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		if now != nil {
			provider.now = now
		}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	aead, err := newAEAD(material)
	if err != nil {
		return nil, err
	}
	provider := &AppKeySecretProvider{
		active:  sealingKey{id: "app-key", version: 1, aead: aead},
		retired: map[string]sealingKey{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	delete(provider.retired, keyRef(provider.active.id, provider.active.version))
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.active.aead == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	nonce := make([]byte, p.active.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := p.active.aead.Seal(nil, nonce, plaintext, p.active.additionalData())
	return encodeEnvelope(envelope{
		KeyID:      p.active.id,
		Version:    p.active.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.active.aead == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	key, err := p.keyFor(env)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeBase64Field("nonce", env.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodeBase64Field("ciphertext payload", env.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(nonce) != key.aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce length %d", len(nonce))
	}
	plaintext, err := key.aead.Open(nil, nonce, sealed, key.additionalData())
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// NeedsReseal reports whether ciphertext was sealed by a key other than
// the active one.
func (p *AppKeySecretProvider) NeedsReseal(ciphertext []byte) bool {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false
	}
	return meta.KeyID != p.active.id || meta.Version != p.active.version
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.active.id
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.active.version
}

func (p *AppKeySecretProvider) keyFor(env envelope) (sealingKey, error) {
	version := env.Version
	if version <= 0 {
		version = 1
	}
	if env.KeyID == p.active.id && version == p.active.version {
		return p.active, nil
	}
	key, ok := p.retired[keyRef(env.KeyID, version)]
	if !ok {
		return sealingKey{}, fmt.Errorf("security: unknown key %q version %d", env.KeyID, version)
	}
	if !key.until.IsZero() && p.now().After(key.until) {
		return sealingKey{}, fmt.Errorf("security: key %q version %d retired at %s", key.id, key.version, key.until.Format(time.RFC3339))
	}
	return key, nil
}

// additionalData binds the ciphertext to the key identity it claims.
func (k sealingKey) additionalData() []byte {
	return []byte(keyRef(k.id, k.version))
}

func keyRef(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

func newAEAD(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(normalizeKey(material))
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return aead, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		return append([]byte(nil), value...)
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
