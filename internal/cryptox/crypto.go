// Package cryptox implements the credential cipher: AES-256-GCM with a
// random 96-bit nonce and caller-supplied associated data, plus master key
// parsing and derivation.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the master key length (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// MakeVerifier returns a digest of the key that can be stored or compared
// without revealing the key.
func MakeVerifier(masterKey []byte) []byte {
	hash := sha256.Sum256(masterKey)
	return hash[:]
}

// KeyID is a short, stable identifier of a key, derived from its verifier.
// Credential rows record it so rotation and lookups know which key sealed them.
func KeyID(masterKey []byte) string {
	return hex.EncodeToString(MakeVerifier(masterKey)[:8])
}

// DeriveMasterKey stretches a passphrase into a KeySize key with argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	x := argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
	return x
}

// ParseKey decodes a master key given as hex or base64 (standard or URL,
// padded or not). The decoded key must be exactly KeySize bytes.
func ParseKey(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return nil, fmt.Errorf("%w: master key is empty", common.ErrEncryption)
	}

	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		key, err := decode(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: master key must be %d bytes encoded as hex or base64", common.ErrEncryption, KeySize)
}

// AssociatedData binds a ciphertext to its owner. Every part is
// length-prefixed so ("ab","c") and ("a","bc") never collide.
func AssociatedData(parts ...string) []byte {
	n := 0
	for _, p := range parts {
		n += 4 + len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key with a fresh random nonce and returns
// the nonce, the ciphertext and the authentication tag separately.
//
// Errors wrap common.ErrEncryption and never include plaintext.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce = common.GenerateRandByteArray(NonceSize)

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - TagSize
	ciphertext = sealed[:split:split]
	tag = sealed[split:]

	return nonce, ciphertext, tag, nil
}

// Open authenticates and decrypts. Any change to nonce, ciphertext, tag,
// associated data or key yields an error wrapping common.ErrDecryption and no
// plaintext.
func Open(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: malformed nonce or tag", common.ErrDecryption)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: message authentication failed", common.ErrDecryption)
	}
	return plaintext, nil
}

// LoadMasterKey resolves the configured master key. An explicit encoded key
// wins; otherwise the key is derived from passphrase and salt.
func LoadMasterKey(encoded, passphrase, salt string) ([]byte, error) {
	if strings.TrimSpace(encoded) != "" {
		return ParseKey(encoded)
	}
	if passphrase == "" || salt == "" {
		return nil, fmt.Errorf("%w: no master key configured", common.ErrEncryption)
	}
	return DeriveMasterKey([]byte(passphrase), []byte(salt)), nil
}
