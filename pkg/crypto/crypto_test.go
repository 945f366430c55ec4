package crypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("test-secret")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	tests := []string{
		"ya29.a0AfH6SMBx",
		"",
		"refresh-token-with-unicode-éè",
	}
	for _, plaintext := range tests {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Fatalf("ciphertext equals plaintext")
		}
		got, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip: got %q want %q", got, plaintext)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, _ := NewEncryptor("key-a")
	b, _ := NewEncryptor("key-b")

	sealed, err := a.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Fatal("decrypt with wrong key must fail")
	}
}

func TestDecryptGarbageFails(t *testing.T) {
	enc, _ := NewEncryptor("key")
	for _, in := range []string{"not-base64!!", "QQ==", ""} {
		if _, err := enc.Decrypt(in); err == nil {
			t.Fatalf("Decrypt(%q) must fail", in)
		}
	}
}

func TestNewEncryptorEmptySecret(t *testing.T) {
	if _, err := NewEncryptor(""); err == nil {
		t.Fatal("empty secret must be rejected")
	}
}
