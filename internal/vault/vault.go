// Package vault implements the envelope-encryption keyring used to protect
// stored OAuth refresh tokens.
//
// The keyring holds one or more versioned AES-256-GCM keys. The highest
// version is "current" and encrypts all new secrets; older versions stay
// available for decryption so keys can be rotated without re-encrypting
// everything already stored.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NonceSize is the GCM nonce length in bytes. A fresh random nonce is drawn
// from crypto/rand for every Encrypt call.
const NonceSize = 12

// KeySize is the required raw key length for AES-256.
const KeySize = 32

var (
	// ErrNoKeys indicates the keyring was constructed without key material.
	ErrNoKeys = errors.New("no encryption keys configured")

	// ErrInvalidKeySize indicates a key did not decode to exactly 32 bytes.
	ErrInvalidKeySize = errors.New("encryption key must decode to 32 bytes")

	// ErrInvalidKeyEntry indicates a malformed version:key pair.
	ErrInvalidKeyEntry = errors.New("invalid encryption key entry")

	// ErrDuplicateVersion indicates two keys declared the same version.
	ErrDuplicateVersion = errors.New("duplicate encryption key version")

	// ErrUnknownKeyVersion indicates a decrypt referenced a version the
	// keyring does not hold.
	ErrUnknownKeyVersion = errors.New("unknown encryption key version")

	// ErrInvalidBytea indicates a malformed \x-hex storage literal.
	ErrInvalidBytea = errors.New("invalid bytea hex string")
)

// Key is one versioned raw key.
type Key struct {
	Version int
	Raw     []byte
}

// Encrypted is the result of an Encrypt call.
type Encrypted struct {
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
}

// Keyring is constructed once per process and is safe for concurrent use;
// it is immutable after New returns.
type Keyring struct {
	current int
	aeads   map[int]cipher.AEAD
}

// New builds a keyring from the given keys. It fails if no key is present,
// any key is not 32 bytes, or two keys declare the same version. The highest
// version becomes current.
func New(keys []Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	aeads := make(map[int]cipher.AEAD, len(keys))
	versions := make([]int, 0, len(keys))
	for _, k := range keys {
		if k.Version <= 0 {
			return nil, fmt.Errorf("%w: version %d", ErrInvalidKeyEntry, k.Version)
		}
		if len(k.Raw) != KeySize {
			return nil, fmt.Errorf("%w: version %d has %d bytes", ErrInvalidKeySize, k.Version, len(k.Raw))
		}
		if _, dup := aeads[k.Version]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateVersion, k.Version)
		}

		block, err := aes.NewCipher(k.Raw)
		if err != nil {
			return nil, fmt.Errorf("creating cipher for key version %d: %w", k.Version, err)
		}
		aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
		if err != nil {
			return nil, fmt.Errorf("creating GCM for key version %d: %w", k.Version, err)
		}
		aeads[k.Version] = aead
		versions = append(versions, k.Version)
	}

	sort.Ints(versions)
	return &Keyring{
		current: versions[len(versions)-1],
		aeads:   aeads,
	}, nil
}

// ParseKeyset parses the "version:base64key" comma-separated configuration
// form into keys for New.
func ParseKeyset(spec string) ([]Key, error) {
	entries := strings.Split(spec, ",")
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		rawVersion, rawKey, ok := strings.Cut(entry, ":")
		if !ok || rawKey == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKeyEntry, entry)
		}
		version, err := strconv.Atoi(rawVersion)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("%w: version %q", ErrInvalidKeyEntry, rawVersion)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rawKey))
		if err != nil {
			return nil, fmt.Errorf("%w: key for version %d is not valid base64", ErrInvalidKeyEntry, version)
		}
		keys = append(keys, Key{Version: version, Raw: raw})
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// CurrentVersion returns the version used for new encryptions.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Versions returns all configured versions in ascending order.
func (k *Keyring) Versions() []int {
	versions := make([]int, 0, len(k.aeads))
	for v := range k.aeads {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// Encrypt seals plaintext under the current key with a fresh random nonce.
func (k *Keyring) Encrypt(plaintext []byte) (Encrypted, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Encrypted{}, fmt.Errorf("generating nonce: %w", err)
	}

	aead := k.aeads[k.current]
	return Encrypted{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		KeyVersion: k.current,
	}, nil
}

// Decrypt opens ciphertext written under any configured key version.
func (k *Keyring) Decrypt(ciphertext, nonce []byte, keyVersion int) ([]byte, error) {
	aead, ok := k.aeads[keyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, keyVersion)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting under key version %d: %w", keyVersion, err)
	}
	return plaintext, nil
}

// EncodeBytea renders raw bytes as the \x-prefixed lowercase-hex literal
// used for bytea storage.
func EncodeBytea(value []byte) string {
	return `\x` + hex.EncodeToString(value)
}

// DecodeBytea parses the \x-hex literal back to raw bytes. Odd-length or
// non-hex input is rejected.
func DecodeBytea(value string) ([]byte, error) {
	normalized := strings.TrimPrefix(value, `\x`)
	if len(normalized)%2 != 0 {
		return nil, ErrInvalidBytea
	}
	raw, err := hex.DecodeString(strings.ToLower(normalized))
	if err != nil {
		return nil, ErrInvalidBytea
	}
	return raw, nil
}
