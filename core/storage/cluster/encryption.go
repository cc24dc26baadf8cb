package cluster

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor transforms chunk payloads (post-compression) before they are
// written to a page, and reverses the transform on read. Keys are supplied
// out of band via Config.EncryptionKey, never stored in the cluster
// itself.
type Encryptor interface {
	Name() string
	NewWithKey(key []byte) (Cipher, error)
}

// Cipher is a keyed encryptor bound to one cluster.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

var (
	encryptionRegistryMu sync.RWMutex
	encryptionRegistry   = map[string]Encryptor{}
)

// RegisterEncryption makes e available to clusters configured with
// e.Name() as their Encryption attribute.
func RegisterEncryption(e Encryptor) {
	encryptionRegistryMu.Lock()
	defer encryptionRegistryMu.Unlock()
	encryptionRegistry[e.Name()] = e
}

// LookupEncryption returns the registered Encryptor for name.
func LookupEncryption(name string) (Encryptor, error) {
	encryptionRegistryMu.RLock()
	defer encryptionRegistryMu.RUnlock()
	e, ok := encryptionRegistry[name]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown encryption %q", name)
	}
	return e, nil
}

func init() {
	RegisterEncryption(noneEncryptor{})
	RegisterEncryption(aesGCMEncryptor{})
	RegisterEncryption(chacha20Encryptor{})
}

// aeadCipher seals payloads with a nonce prepended to the ciphertext,
// matching the layout core/security/encryption.CryptoUtils used before
// AES-GCM was folded into the cluster's encryption registry.
type aeadCipher struct {
	aead cipher.AEAD
}

func (c *aeadCipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cluster: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *aeadCipher) Decrypt(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("cluster: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cluster: decrypt: %w", err)
	}
	return plain, nil
}

// noneEncryptor is the default: chunk payloads pass through unchanged.
type noneEncryptor struct{}

func (noneEncryptor) Name() string { return "none" }
func (noneEncryptor) NewWithKey(key []byte) (Cipher, error) {
	return passthroughCipher{}, nil
}

type passthroughCipher struct{}

func (passthroughCipher) Encrypt(plain []byte) ([]byte, error)  { return plain, nil }
func (passthroughCipher) Decrypt(sealed []byte) ([]byte, error) { return sealed, nil }

// aesGCMEncryptor wraps AES in GCM mode; key length selects AES-128/192/256.
type aesGCMEncryptor struct{}

func (aesGCMEncryptor) Name() string { return "aes-gcm" }

func (aesGCMEncryptor) NewWithKey(key []byte) (Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cluster: aes-gcm key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cluster: aes-gcm: %w", err)
	}
	return &aeadCipher{aead: gcm}, nil
}

// chacha20Encryptor wraps ChaCha20-Poly1305, an AEAD that avoids AES-NI
// dependence on clusters running on hardware without it.
type chacha20Encryptor struct{}

func (chacha20Encryptor) Name() string { return "chacha20-poly1305" }

func (chacha20Encryptor) NewWithKey(key []byte) (Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cluster: chacha20-poly1305 key: %w", err)
	}
	return &aeadCipher{aead: aead}, nil
}
