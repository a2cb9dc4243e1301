package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(version int, fill byte) Key {
	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = fill
	}
	return Key{Version: version, Raw: raw}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr, err := New([]Key{testKey(1, 0x11)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	plaintext := []byte("1//0refresh-token-value")
	enc, err := kr.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if enc.KeyVersion != 1 {
		t.Errorf("KeyVersion = %d, want 1", enc.KeyVersion)
	}
	if len(enc.Nonce) != NonceSize {
		t.Errorf("nonce length = %d, want %d", len(enc.Nonce), NonceSize)
	}

	got, err := kr.Decrypt(enc.Ciphertext, enc.Nonce, enc.KeyVersion)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	kr, err := New([]Key{testKey(1, 0x22)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, err := kr.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := kr.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("two Encrypt calls produced the same nonce")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two Encrypt calls produced the same ciphertext")
	}
}

func TestRotationKeepsOldVersionsDecryptable(t *testing.T) {
	old, err := New([]Key{testKey(1, 0x33)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	enc, err := old.Encrypt([]byte("sealed before rotation"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	rotated, err := New([]Key{testKey(1, 0x33), testKey(2, 0x44)})
	if err != nil {
		t.Fatalf("New() after rotation error = %v", err)
	}
	if rotated.CurrentVersion() != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", rotated.CurrentVersion())
	}

	got, err := rotated.Decrypt(enc.Ciphertext, enc.Nonce, enc.KeyVersion)
	if err != nil {
		t.Fatalf("Decrypt() under historical version error = %v", err)
	}
	if string(got) != "sealed before rotation" {
		t.Errorf("Decrypt() = %q", got)
	}

	// New encryptions go to the new current key.
	enc2, err := rotated.Encrypt([]byte("after"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if enc2.KeyVersion != 2 {
		t.Errorf("KeyVersion after rotation = %d, want 2", enc2.KeyVersion)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	kr, err := New([]Key{testKey(1, 0x55)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	enc, err := kr.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := kr.Decrypt(enc.Ciphertext, enc.Nonce, 9); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Errorf("Decrypt() error = %v, want ErrUnknownKeyVersion", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		keys    []Key
		wantErr error
	}{
		{"empty", nil, ErrNoKeys},
		{"short key", []Key{{Version: 1, Raw: make([]byte, 16)}}, ErrInvalidKeySize},
		{"zero version", []Key{{Version: 0, Raw: make([]byte, KeySize)}}, ErrInvalidKeyEntry},
		{"duplicate version", []Key{testKey(1, 0x01), testKey(1, 0x02)}, ErrDuplicateVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.keys); !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseKeyset(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x0a}, KeySize))
	k2 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x0b}, KeySize))

	keys, err := ParseKeyset("1:" + k1 + ", 2:" + k2)
	if err != nil {
		t.Fatalf("ParseKeyset() error = %v", err)
	}
	if len(keys) != 2 || keys[0].Version != 1 || keys[1].Version != 2 {
		t.Fatalf("ParseKeyset() = %+v", keys)
	}

	for _, spec := range []string{"", "nokey", "0:" + k1, "x:" + k1, "1:%%%"} {
		if _, err := ParseKeyset(spec); err == nil {
			t.Errorf("ParseKeyset(%q) succeeded, want error", spec)
		}
	}
}

func TestByteaCodec(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xab, 0xff}
	encoded := EncodeBytea(raw)
	if encoded != `\x0001abff` {
		t.Errorf("EncodeBytea() = %q", encoded)
	}

	decoded, err := DecodeBytea(encoded)
	if err != nil {
		t.Fatalf("DecodeBytea() error = %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Errorf("DecodeBytea() = %x, want %x", decoded, raw)
	}

	// Prefix is optional on input, uppercase hex is accepted.
	if got, err := DecodeBytea("ABFF"); err != nil || !bytes.Equal(got, []byte{0xab, 0xff}) {
		t.Errorf("DecodeBytea(ABFF) = %x, %v", got, err)
	}

	for _, bad := range []string{`\x0`, `\x0g`, "zz", `\xabc`} {
		if _, err := DecodeBytea(bad); !errors.Is(err, ErrInvalidBytea) {
			t.Errorf("DecodeBytea(%q) error = %v, want ErrInvalidBytea", bad, err)
		}
	}
}
