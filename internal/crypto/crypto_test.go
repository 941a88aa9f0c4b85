package crypto

import (
	"strings"
	"testing"
)

func testKey() []byte {
	key, _ := DeriveKey("test-encryption-key-for-unit-tests")
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	original := "dbx_refresh-token-secret-value"

	encrypted, err := Encrypt(original, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !IsEncrypted(encrypted) {
		t.Fatalf("expected encrypted value to start with %q prefix, got %q", "enc:", encrypted)
	}

	if encrypted == original {
		t.Fatal("encrypted value should differ from plaintext")
	}

	decrypted, err := Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if decrypted != original {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, original)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	key := testKey()

	encrypted, err := Encrypt("", key)
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}

	if encrypted != "" {
		t.Fatalf("encrypting empty string should return empty, got %q", encrypted)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	key := testKey()

	// A value without the "enc:" prefix should be returned as-is.
	plain := "sk-plain-api-key"
	result, err := Decrypt(plain, key)
	if err != nil {
		t.Fatalf("Decrypt plaintext: %v", err)
	}
	if result != plain {
		t.Fatalf("plaintext passthrough failed: got %q, want %q", result, plain)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := testKey()
	otherKey, _ := DeriveKey("a-completely-different-passphrase")

	encrypted, err := Encrypt("secret", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(encrypted, otherKey); err == nil {
		t.Fatal("expected decrypt with wrong key to fail")
	}
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	key := testKey()

	if _, err := Decrypt("enc:dG9vc2hvcnQ=", key); err == nil {
		t.Fatal("expected decrypt of truncated ciphertext to fail")
	}
}

func TestDeriveKeyEmptyPassphrase(t *testing.T) {
	if _, err := DeriveKey(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestEncryptNonceUniqueness(t *testing.T) {
	key := testKey()
	plain := "same-plaintext-twice"

	enc1, _ := Encrypt(plain, key)
	enc2, _ := Encrypt(plain, key)

	if enc1 == enc2 {
		t.Fatal("two encryptions of the same plaintext should produce different ciphertext (unique nonces)")
	}

	// Both should decrypt to the same value.
	dec1, _ := Decrypt(enc1, key)
	dec2, _ := Decrypt(enc2, key)

	if dec1 != plain || dec2 != plain {
		t.Fatalf("both should decrypt to %q, got %q and %q", plain, dec1, dec2)
	}
}

// ─── Credential helpers ───

func TestEncryptDecryptCredential(t *testing.T) {
	key := testKey()

	original := CachedCredential{
		Ref:   "vault://tenants/acme/telegram_bot_token",
		Value: "123456:ABC-DEF-telegram-bot-token",
	}

	encrypted, err := EncryptCredential(original, key)
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}

	if !IsEncrypted(encrypted.Value) {
		t.Fatalf("credential value should be encrypted, got %q", encrypted.Value)
	}
	if encrypted.Ref != original.Ref {
		t.Fatalf("ref changed: got %q, want %q", encrypted.Ref, original.Ref)
	}

	decrypted, err := DecryptCredential(encrypted, key)
	if err != nil {
		t.Fatalf("DecryptCredential: %v", err)
	}
	if decrypted != original.Value {
		t.Fatalf("value round-trip: got %q, want %q", decrypted, original.Value)
	}
}

func TestEncryptDecryptCredentialNilKeyFails(t *testing.T) {
	// Nil-key passthrough is the resolver's responsibility (it never calls
	// these helpers when encKey is nil); the helpers themselves require a
	// valid key to encrypt, or to decrypt an "enc:" value, same as
	// Encrypt/Decrypt (a plaintext value passes through Decrypt unchanged).
	original := CachedCredential{Ref: "ref-a", Value: "plaintext-secret"}

	if _, err := EncryptCredential(original, nil); err == nil {
		t.Fatal("expected EncryptCredential with nil key to fail")
	}

	sealed, err := EncryptCredential(original, testKey())
	if err != nil {
		t.Fatalf("EncryptCredential: %v", err)
	}
	if _, err := DecryptCredential(sealed, nil); err == nil {
		t.Fatal("expected DecryptCredential with nil key to fail")
	}
}

func TestEncryptedValuesAreBase64AfterPrefix(t *testing.T) {
	key := testKey()

	enc, err := Encrypt("check-base64-body", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !strings.HasPrefix(enc, "enc:") {
		t.Fatalf("expected enc: prefix, got %q", enc)
	}
}
