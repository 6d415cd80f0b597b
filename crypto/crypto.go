// Package crypto seals messages with XChaCha20-Poly1305.
package crypto

import (
	"crypto/cipher"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/frand"
)

// Overhead is the number of bytes Encrypt adds to a plaintext.
const Overhead = chacha20poly1305.Overhead + chacha20poly1305.NonceSizeX

// KeySize is the size of a cipher key.
const KeySize = chacha20poly1305.KeySize

// ErrShortCiphertext is returned by Decrypt for input too short to hold a nonce and tag.
var ErrShortCiphertext = errors.New("ciphertext too short")

type Cipher struct {
	cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead}, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.NonceSize(), len(plaintext)+Overhead)
	frand.Read(nonce)
	return c.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrShortCiphertext
	}
	return c.Open(nil, ciphertext[:c.NonceSize()], ciphertext[c.NonceSize():], nil)
}

// DeriveKey turns a shared auth token into a cipher key.
func DeriveKey(token string) []byte {
	k := blake2b.Sum256([]byte(token))
	return k[:]
}

// TrustedCertPool returns the pool used to verify the server certificate. With an empty pem the
// system roots are used; otherwise only the given PEM encoded roots are trusted.
func TrustedCertPool(pem string) (*x509.CertPool, error) {
	if pem == "" {
		return x509.SystemCertPool()
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(pem)) {
		return nil, fmt.Errorf("no certificates found in pinned root CA")
	}
	return pool, nil
}

// TokenEqual compares a presented auth token with the expected one in time that depends only on
// their lengths.
func TokenEqual(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// LoadCertPool reads a PEM file of pinned roots. An empty path selects the system roots.
func LoadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return TrustedCertPool("")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading root CA: %w", err)
	}
	return TrustedCertPool(string(pem))
}
