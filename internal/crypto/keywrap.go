package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/kenneth/byok-gateway/internal/byokerr"
)

const (
	// transportKeySize is the size of the ephemeral AES key protected by the KEK (AES-256).
	transportKeySize = 32

	// minKEKBits rejects KEKs too small to carry an OAEP-SHA1 encrypted AES-256 key safely.
	minKEKBits = 2048
)

// KeyWrapper performs the hybrid RSA-OAEP + AES-KWP wrapping used by BYOK transfer blobs.
//
// The output layout is RSA_OAEP_SHA1(aes_key) || AES_KWP(aes_key, pkcs8). The first segment is always
// exactly the KEK modulus length in bytes; nothing else delimits the two segments.
type KeyWrapper struct {
	random io.Reader
}

// NewKeyWrapper creates a wrapper drawing randomness from crypto/rand.
func NewKeyWrapper() *KeyWrapper {
	return &KeyWrapper{random: rand.Reader}
}

// NewKeyWrapperWithRandom creates a wrapper using the given randomness source (for tests).
func NewKeyWrapperWithRandom(r io.Reader) *KeyWrapper {
	return &KeyWrapper{random: r}
}

// WrapPrivateKey serializes key as PKCS#8 and wraps it under kek.
func (w *KeyWrapper) WrapPrivateKey(kek *rsa.PublicKey, key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, byokerr.Crypto("marshal private key", err)
	}
	defer clear(der)
	return w.Wrap(kek, der)
}

// Wrap protects keyMaterial under kek. The ephemeral AES key lives only for the duration of this call.
func (w *KeyWrapper) Wrap(kek *rsa.PublicKey, keyMaterial []byte) ([]byte, error) {
	if err := checkKEK(kek); err != nil {
		return nil, err
	}
	if len(keyMaterial) == 0 {
		return nil, byokerr.Crypto("wrap key", errors.New("key material is empty"))
	}

	aesKey := make([]byte, transportKeySize)
	defer clear(aesKey)
	if _, err := io.ReadFull(w.random, aesKey); err != nil {
		return nil, byokerr.Crypto("generate transport key", err)
	}

	encryptedKey, err := rsa.EncryptOAEP(sha1.New(), w.random, kek, aesKey, nil)
	if err != nil {
		return nil, byokerr.Crypto("encrypt transport key", err)
	}

	wrapped, err := WrapWithPadding(aesKey, keyMaterial)
	if err != nil {
		return nil, byokerr.Crypto("wrap key material", err)
	}

	out := make([]byte, 0, len(encryptedKey)+len(wrapped))
	out = append(out, encryptedKey...)
	out = append(out, wrapped...)
	return out, nil
}

// Unwrap recovers key material from ciphertext. splitAt is the length of the RSA segment, which must
// equal the KEK modulus length in bytes; callers pass it explicitly instead of re-deriving it.
func (w *KeyWrapper) Unwrap(kek *rsa.PrivateKey, ciphertext []byte, splitAt int) ([]byte, error) {
	if kek == nil {
		return nil, byokerr.Crypto("unwrap key", errors.New("KEK private key is nil"))
	}
	if splitAt != kek.Size() {
		return nil, byokerr.Crypto("unwrap key", fmt.Errorf("split length %d does not match KEK modulus length %d", splitAt, kek.Size()))
	}
	if len(ciphertext) <= splitAt {
		return nil, byokerr.Crypto("unwrap key", fmt.Errorf("ciphertext of %d bytes is too short for a %d byte RSA segment", len(ciphertext), splitAt))
	}

	aesKey, err := rsa.DecryptOAEP(sha1.New(), nil, kek, ciphertext[:splitAt], nil)
	if err != nil {
		return nil, byokerr.Crypto("decrypt transport key", err)
	}
	defer clear(aesKey)

	keyMaterial, err := UnwrapWithPadding(aesKey, ciphertext[splitAt:])
	if err != nil {
		return nil, byokerr.Crypto("unwrap key material", err)
	}
	return keyMaterial, nil
}

// UnwrapPrivateKey unwraps and parses the PKCS#8 private key.
func (w *KeyWrapper) UnwrapPrivateKey(kek *rsa.PrivateKey, ciphertext []byte, splitAt int) (crypto.PrivateKey, error) {
	der, err := w.Unwrap(kek, ciphertext, splitAt)
	if err != nil {
		return nil, err
	}
	defer clear(der)
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, byokerr.Crypto("parse unwrapped key", err)
	}
	return key, nil
}

func checkKEK(kek *rsa.PublicKey) error {
	if kek == nil || kek.N == nil {
		return byokerr.Crypto("wrap key", errors.New("KEK public key is nil"))
	}
	if kek.N.BitLen() < minKEKBits {
		return byokerr.Crypto("wrap key", fmt.Errorf("unsupported KEK size %d bits (minimum %d)", kek.N.BitLen(), minKEKBits))
	}
	return nil
}
