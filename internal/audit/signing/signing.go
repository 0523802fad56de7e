// Package signing produces and checks HMAC-SHA256 signatures over audit events.
//
// Each configured secret is expanded with HKDF-SHA256 into a per-key-id HMAC
// key. Events carry the key id they were signed with, so retired keys stay in
// the keyring for verification after rotation.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"gatekeeper/internal/audit/models"
)

const derivedKeyLen = 32

var (
	ErrUnknownKey        = errors.New("unknown audit signing key")
	ErrSignatureMismatch = errors.New("audit signature mismatch")
)

// Keyring holds derived keys by id and the id used for new signatures.
type Keyring struct {
	keys   map[string][]byte
	active string
}

// NewKeyring derives a key for every secret. activeKeyID must be present.
func NewKeyring(secrets map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(secrets) == 0 {
		return nil, errors.New("at least one audit signing key is required")
	}
	if _, ok := secrets[activeKeyID]; !ok {
		return nil, fmt.Errorf("active audit key %q not configured", activeKeyID)
	}

	keys := make(map[string][]byte, len(secrets))
	for kid, secret := range secrets {
		if kid == "" || strings.ContainsAny(kid, ":,") {
			return nil, fmt.Errorf("invalid audit key id %q", kid)
		}
		if len(secret) < 16 {
			return nil, fmt.Errorf("audit key %q: secret must be at least 16 bytes", kid)
		}
		derived, err := derive(secret, kid)
		if err != nil {
			return nil, fmt.Errorf("derive audit key %q: %w", kid, err)
		}
		keys[kid] = derived
	}
	return &Keyring{keys: keys, active: activeKeyID}, nil
}

// ParseKeySpec parses "kid:secret,kid2:secret2".
func ParseKeySpec(spec string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, secret, ok := strings.Cut(part, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("malformed audit key entry %q", kid)
		}
		if _, dup := out[kid]; dup {
			return nil, fmt.Errorf("duplicate audit key id %q", kid)
		}
		out[kid] = []byte(secret)
	}
	if len(out) == 0 {
		return nil, errors.New("no audit signing keys configured")
	}
	return out, nil
}

func derive(secret []byte, kid string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("gatekeeper-audit:"+kid))
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (k *Keyring) ActiveKeyID() string {
	return k.active
}

// Sign stamps the active key id and the signature onto e.
func (k *Keyring) Sign(e *models.Event) {
	e.KeyID = k.active
	e.Signature = k.mac(k.keys[k.active], *e)
}

// Verify checks e against the key named by e.KeyID.
func (k *Keyring) Verify(e models.Event) error {
	key, ok := k.keys[e.KeyID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, e.KeyID)
	}
	want := k.mac(key, e)
	if !hmac.Equal([]byte(want), []byte(e.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (k *Keyring) mac(key []byte, e models.Event) string {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(Canonicalize(e))
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize serializes every field except Signature in a fixed order.
// Each value is written as "<len>:<bytes>" so no field can bleed into the
// next. Details are ordered by key.
func Canonicalize(e models.Event) []byte {
	var b strings.Builder
	put := func(v string) {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}

	put(e.ID)
	put(strconv.FormatUint(e.Sequence, 10))
	put(e.Timestamp.UTC().Format(time.RFC3339Nano))
	put(e.ActorID)
	put(e.Action)
	put(e.Resource)
	put(string(e.Severity))
	put(e.Category)
	put(e.Decision)
	put(e.RequestID)
	put(e.KeyID)

	keys := make([]string, 0, len(e.Details))
	for key := range e.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	put(strconv.Itoa(len(keys)))
	for _, key := range keys {
		put(key)
		put(e.Details[key])
	}
	return []byte(b.String())
}
