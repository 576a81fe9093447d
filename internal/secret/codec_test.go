package secret

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"acousticsbake/internal/apperrors"
)

func newTestCodec(t *testing.T) (*Codec, string) {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	return NewCodec(newScopedProtector(keyPath, "tester@bakehost")), keyPath
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	codec, _ := newTestCodec(t)

	tests := []struct {
		name    string
		secrets Secrets
	}{
		{"all keys", Secrets{BatchKey: "batch==", StorageKey: "storage/+key", RegistryKey: "reg"}},
		{"empty registry", Secrets{BatchKey: "b", StorageKey: "s"}},
		{"unicode", Secrets{BatchKey: "ключ", StorageKey: "鍵", RegistryKey: "🔑"}},
		{"quotes", Secrets{BatchKey: `a"b`, StorageKey: `c\d`, RegistryKey: "\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			blob, err := codec.Encrypt(tt.secrets)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			got, err := codec.Decrypt(blob)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if got != tt.secrets {
				t.Errorf("Decrypt() = %+v, want %+v", got, tt.secrets)
			}
		})
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	t.Parallel()
	codec, _ := newTestCodec(t)
	s := Secrets{BatchKey: "b", StorageKey: "s", RegistryKey: "r"}

	first, err := codec.Encrypt(s)
	if err != nil {
		t.Fatal(err)
	}
	second, err := codec.Encrypt(s)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("expected two encryptions of the same secrets to differ")
	}
}

func TestMasterKeyFileCreated(t *testing.T) {
	t.Parallel()
	codec, keyPath := newTestCodec(t)

	if _, err := codec.Encrypt(Secrets{}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("expected master key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("master key mode = %v, want 0600", info.Mode().Perm())
	}
	if info.Size() != masterKeySize {
		t.Errorf("master key size = %d, want %d", info.Size(), masterKeySize)
	}
}

func TestDecryptOtherScopeFails(t *testing.T) {
	t.Parallel()
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	mine := NewCodec(newScopedProtector(keyPath, "alice@host-a"))
	theirs := NewCodec(newScopedProtector(keyPath, "bob@host-a"))
	elsewhere := NewCodec(newScopedProtector(keyPath, "alice@host-b"))

	blob, err := mine.Encrypt(Secrets{BatchKey: "b", StorageKey: "s"})
	if err != nil {
		t.Fatal(err)
	}

	for name, codec := range map[string]*Codec{"other user": theirs, "other host": elsewhere} {
		if _, err := codec.Decrypt(blob); !errors.Is(err, apperrors.ErrCorruptSecret) {
			t.Errorf("%s: expected ErrCorruptSecret, got %v", name, err)
		}
	}
}

func TestDecryptCorrupt(t *testing.T) {
	t.Parallel()
	codec, keyPath := newTestCodec(t)
	protector := newScopedProtector(keyPath, "tester@bakehost")

	seal := func(t *testing.T, json string) string {
		t.Helper()
		wide, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(json))
		if err != nil {
			t.Fatal(err)
		}
		sealed, err := protector.Protect(wide)
		if err != nil {
			t.Fatal(err)
		}
		return base64.StdEncoding.EncodeToString(sealed)
	}

	tests := []struct {
		name string
		blob func(t *testing.T) string
	}{
		{"not base64", func(*testing.T) string { return "%%%not-base64%%%" }},
		{"too short", func(*testing.T) string { return base64.StdEncoding.EncodeToString([]byte("abc")) }},
		{"tampered", func(t *testing.T) string {
			raw, _ := base64.StdEncoding.DecodeString(seal(t, `{"batch_key":"b","storage_key":"s","registry_key":""}`))
			raw[len(raw)-1] ^= 0xff
			return base64.StdEncoding.EncodeToString(raw)
		}},
		{"not json", func(t *testing.T) string { return seal(t, "batch_key=b") }},
		{"missing registry key", func(t *testing.T) string { return seal(t, `{"batch_key":"b","storage_key":"s"}`) }},
		{"missing batch key", func(t *testing.T) string { return seal(t, `{"storage_key":"s","registry_key":"r"}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Decrypt(tt.blob(t))
			if !errors.Is(err, apperrors.ErrCorruptSecret) {
				t.Fatalf("expected ErrCorruptSecret, got %v", err)
			}
			if got != (Secrets{}) {
				t.Errorf("expected empty secrets on failure, got %+v", got)
			}
		})
	}
}
