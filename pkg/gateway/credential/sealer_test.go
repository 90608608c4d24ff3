package credential_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/Abraxas-365/portero/pkg/gateway/credential"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestAEADSealer_RoundTrip(t *testing.T) {
	sealer, err := credential.NewAEADSealer(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sealed, err := sealer.Seal("refresh-token-secret")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if sealed == "refresh-token-secret" {
		t.Fatal("sealed output must not equal plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if opened != "refresh-token-secret" {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestAEADSealer_EmptyPassesThrough(t *testing.T) {
	sealer, _ := credential.NewAEADSealer(testKey())

	sealed, err := sealer.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("expected empty passthrough, got %q, %v", sealed, err)
	}
	opened, err := sealer.Open("")
	if err != nil || opened != "" {
		t.Fatalf("expected empty passthrough, got %q, %v", opened, err)
	}
}

func TestAEADSealer_NonceVariesPerSeal(t *testing.T) {
	sealer, _ := credential.NewAEADSealer(testKey())

	a, _ := sealer.Seal("same")
	b, _ := sealer.Seal("same")
	if a == b {
		t.Fatal("sealing the same plaintext twice must produce different output")
	}
}

func TestAEADSealer_TamperDetected(t *testing.T) {
	sealer, _ := credential.NewAEADSealer(testKey())

	sealed, _ := sealer.Seal("secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := sealer.Open(tampered); err == nil {
		t.Fatal("expected open to fail on tampered ciphertext")
	}
}

func TestAEADSealer_WrongKeyFails(t *testing.T) {
	sealer, _ := credential.NewAEADSealer(testKey())
	other, _ := credential.NewAEADSealer(bytes.Repeat([]byte{0x17}, 32))

	sealed, _ := sealer.Seal("secret")
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected open to fail under a different key")
	}
}

func TestAEADSealer_RejectsBadInput(t *testing.T) {
	sealer, _ := credential.NewAEADSealer(testKey())

	if _, err := sealer.Open("not-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := sealer.Open(short); err == nil {
		t.Fatal("expected error for input shorter than a nonce")
	}
}

func TestNewAEADSealer_RejectsBadKeySize(t *testing.T) {
	if _, err := credential.NewAEADSealer([]byte("short")); err == nil {
		t.Fatal("expected error for a non-32-byte key")
	}
}

func TestNoopSealer(t *testing.T) {
	var sealer credential.Sealer = credential.NoopSealer{}

	sealed, err := sealer.Seal("plain")
	if err != nil || sealed != "plain" {
		t.Fatalf("expected passthrough, got %q, %v", sealed, err)
	}
	opened, err := sealer.Open("plain")
	if err != nil || opened != "plain" {
		t.Fatalf("expected passthrough, got %q, %v", opened, err)
	}
}
