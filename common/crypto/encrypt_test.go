package crypto_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/aetherhub/aether/common/crypto"
)

func testKey() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestEncryptDecrypt_GatewayToken(t *testing.T) {
	key := testKey()
	token := []byte("9b1c2e5f0a7d4e3c8b6a1f2e3d4c5b6a")

	ct, err := crypto.Encrypt(key, token)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ct, token) {
		t.Fatal("ciphertext contains the plaintext token")
	}
	pt, err := crypto.Decrypt(key, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, token) {
		t.Errorf("got %q, want %q", pt, token)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	key := testKey()
	a, _ := crypto.Encrypt(key, []byte("x"))
	b, _ := crypto.Encrypt(key, []byte("x"))
	if bytes.Equal(a, b) {
		t.Error("identical ciphertexts for repeated encryption")
	}
}

func TestKeySizeRejected(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		if _, err := crypto.Encrypt(make([]byte, n), []byte("d")); err == nil {
			t.Errorf("Encrypt accepted %d-byte key", n)
		}
		if _, err := crypto.Decrypt(make([]byte, n), make([]byte, 40)); err == nil {
			t.Errorf("Decrypt accepted %d-byte key", n)
		}
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	key := testKey()
	ct, _ := crypto.Encrypt(key, []byte("token"))
	ct[len(ct)-1] ^= 0xff
	if _, err := crypto.Decrypt(key, ct); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
	if _, err := crypto.Decrypt(key, []byte("short")); err == nil {
		t.Fatal("short ciphertext accepted")
	}
}

func TestStringHelpers(t *testing.T) {
	key := testKey()
	enc, err := crypto.EncryptString(key, "gateway-token")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	dec, err := crypto.DecryptString(key, enc)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if dec != "gateway-token" {
		t.Errorf("got %q", dec)
	}
	if _, err := crypto.DecryptString(key, "!!not-base64!!"); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseMasterKey(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	key, err := crypto.ParseMasterKey("  " + valid + "\n")
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Fatalf("key length %d", len(key))
	}
	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := crypto.ParseMasterKey(bad); !errors.Is(err, crypto.ErrInvalidMasterKey) {
			t.Errorf("ParseMasterKey(%q) = %v", bad, err)
		}
	}
}

func TestGenerateMasterKey(t *testing.T) {
	a, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := crypto.GenerateMasterKey()
	if a == b {
		t.Error("two generated keys are equal")
	}
	if _, err := crypto.ParseMasterKey(a); err != nil {
		t.Errorf("generated key does not parse: %v", err)
	}
}
