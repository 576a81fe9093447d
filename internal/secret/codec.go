// Package secret encrypts the account keys that live next to the bake settings.
//
// A blob is base64(protect(utf16le(json))). The protection step is supplied
// by a Protector scoped to the current user account.
package secret

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"acousticsbake/internal/apperrors"
)

// Secrets are the three keys kept out of the settings file in clear text.
type Secrets struct {
	BatchKey    string `json:"batch_key"`
	StorageKey  string `json:"storage_key"`
	RegistryKey string `json:"registry_key"`
}

// Protector applies a reversible, user-scoped transform to raw bytes.
type Protector interface {
	Protect(plain []byte) ([]byte, error)
	Unprotect(sealed []byte) ([]byte, error)
}

// Codec converts Secrets to and from an opaque string blob.
type Codec struct {
	protector Protector
	utf16     encoding.Encoding
}

// NewCodec creates a codec using the given protector.
func NewCodec(p Protector) *Codec {
	return &Codec{
		protector: p,
		utf16:     unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	}
}

// Encrypt seals the secrets into a base64 blob.
func (c *Codec) Encrypt(s Secrets) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", apperrors.Internal("secret.encrypt", err)
	}
	wide, err := c.utf16.NewEncoder().Bytes(raw)
	if err != nil {
		return "", apperrors.Internal("secret.encrypt", err)
	}
	sealed, err := c.protector.Protect(wide)
	if err != nil {
		return "", apperrors.Internal("secret.encrypt", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. All three keys must be present,
// although any of them may be empty.
func (c *Codec) Decrypt(blob string) (Secrets, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Secrets{}, apperrors.CorruptSecret(err)
	}
	wide, err := c.protector.Unprotect(sealed)
	if err != nil {
		return Secrets{}, apperrors.CorruptSecret(err)
	}
	raw, err := c.utf16.NewDecoder().Bytes(wide)
	if err != nil {
		return Secrets{}, apperrors.CorruptSecret(err)
	}

	var fields struct {
		BatchKey    *string `json:"batch_key"`
		StorageKey  *string `json:"storage_key"`
		RegistryKey *string `json:"registry_key"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Secrets{}, apperrors.CorruptSecret(err)
	}

	var missing []string
	if fields.BatchKey == nil {
		missing = append(missing, "batch_key")
	}
	if fields.StorageKey == nil {
		missing = append(missing, "storage_key")
	}
	if fields.RegistryKey == nil {
		missing = append(missing, "registry_key")
	}
	if len(missing) > 0 {
		return Secrets{}, apperrors.CorruptSecret(fmt.Errorf("missing keys %v", missing))
	}

	return Secrets{
		BatchKey:    *fields.BatchKey,
		StorageKey:  *fields.StorageKey,
		RegistryKey: *fields.RegistryKey,
	}, nil
}
