package aggregation

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateBLSKey()
	if err != nil {
		t.Fatalf("GenerateBLSKey failed: %v", err)
	}

	message := []byte("test message")
	sig := key.Sign(message)

	if len(sig) != BLSSignatureSize {
		t.Errorf("signature size = %d, want %d", len(sig), BLSSignatureSize)
	}

	if !Verify(sig, message, key.PublicKeyBytes()) {
		t.Error("valid signature failed verification")
	}

	if Verify(sig, []byte("other message"), key.PublicKeyBytes()) {
		t.Error("signature verified against wrong message")
	}

	other, err := GenerateBLSKey()
	if err != nil {
		t.Fatalf("GenerateBLSKey failed: %v", err)
	}

	if Verify(sig, message, other.PublicKeyBytes()) {
		t.Error("signature verified against wrong key")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	key, err := GenerateBLSKey()
	if err != nil {
		t.Fatalf("GenerateBLSKey failed: %v", err)
	}

	if Verify([]byte("short"), []byte("msg"), key.PublicKeyBytes()) {
		t.Error("short signature accepted")
	}

	sig := key.Sign([]byte("msg"))

	if Verify(sig, []byte("msg"), []byte("short")) {
		t.Error("short public key accepted")
	}

	garbage := make([]byte, BLSSignatureSize)
	if Verify(garbage, []byte("msg"), key.PublicKeyBytes()) {
		t.Error("garbage signature accepted")
	}
}

func TestGenerateFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)

	k1, err := GenerateBLSKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("GenerateBLSKeyFromSeed failed: %v", err)
	}

	k2, err := GenerateBLSKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("GenerateBLSKeyFromSeed failed: %v", err)
	}

	if !bytes.Equal(k1.PublicKeyBytes(), k2.PublicKeyBytes()) {
		t.Error("same seed produced different keys")
	}

	if _, err := GenerateBLSKeyFromSeed([]byte("short")); err == nil {
		t.Error("short seed accepted")
	}
}

func TestDeriveFromED25519(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey failed: %v", err)
	}

	k1, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("DeriveFromED25519 failed: %v", err)
	}

	k2, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("DeriveFromED25519 failed: %v", err)
	}

	if !bytes.Equal(k1.PublicKeyBytes(), k2.PublicKeyBytes()) {
		t.Error("derivation is not deterministic")
	}
}

func TestVoteDigestFields(t *testing.T) {
	base := VoteDigest("job-1", "bundle-1", "A", true)

	if VoteDigest("job-2", "bundle-1", "A", true) == base {
		t.Error("digest ignores job ID")
	}

	if VoteDigest("job-1", "bundle-2", "A", true) == base {
		t.Error("digest ignores bundle ref")
	}

	if VoteDigest("job-1", "bundle-1", "B", true) == base {
		t.Error("digest ignores participant")
	}

	if VoteDigest("job-1", "bundle-1", "A", false) == base {
		t.Error("digest ignores verdict")
	}

	if VoteDigest("job-1", "bundle-1", "A", true) != base {
		t.Error("digest is not deterministic")
	}
}
