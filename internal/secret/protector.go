package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const masterKeySize = 32

// ErrSealed is returned when a value was not sealed for this user and machine.
var ErrSealed = errors.New("value was sealed for a different user or machine")

// UserKeyProtector seals data with XChaCha20-Poly1305 under a key derived from
// a per-user master key file and the current user and host names. A blob
// written by one account cannot be opened by another, nor after the key file
// is moved to a different machine.
type UserKeyProtector struct {
	keyPath string
	scope   string

	mu   sync.Mutex
	aead cipher.AEAD
}

// NewUserKeyProtector creates a protector backed by the master key at keyPath.
// The key file is created with 0600 permissions on first use.
func NewUserKeyProtector(keyPath string) *UserKeyProtector {
	return &UserKeyProtector{keyPath: keyPath, scope: currentScope()}
}

// newScopedProtector is used by tests to simulate another user or host.
func newScopedProtector(keyPath, scope string) *UserKeyProtector {
	return &UserKeyProtector{keyPath: keyPath, scope: scope}
}

// Protect seals plain and prepends the random nonce.
func (p *UserKeyProtector) Protect(plain []byte) ([]byte, error) {
	aead, err := p.cipher(true)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(p.scope)), nil
}

// Unprotect opens a value produced by Protect.
func (p *UserKeyProtector) Unprotect(sealed []byte) ([]byte, error) {
	aead, err := p.cipher(false)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("sealed value too short (%d bytes)", len(sealed))
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(p.scope))
	if err != nil {
		return nil, ErrSealed
	}
	return plain, nil
}

func (p *UserKeyProtector) cipher(create bool) (cipher.AEAD, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.aead != nil {
		return p.aead, nil
	}

	master, err := p.readMasterKey(create)
	if err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, master, nil, []byte("acousticsbake secret v1|"+p.scope))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	p.aead = aead
	return aead, nil
}

func (p *UserKeyProtector) readMasterKey(create bool) ([]byte, error) {
	key, err := os.ReadFile(p.keyPath)
	if err == nil {
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("master key %s has invalid length %d", p.keyPath, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) || !create {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key = make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(p.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

func currentScope() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return name + "@" + host
}
