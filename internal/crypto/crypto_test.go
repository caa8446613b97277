package crypto

import (
	"bytes"
	"testing"
)

func newRNG(t *testing.T) *DRBG {
	t.Helper()
	rng, err := NewDRBG()
	if err != nil {
		t.Fatalf("NewDRBG: %v", err)
	}
	return rng
}

func TestFingerprint_PureAndSensitive(t *testing.T) {
	t.Parallel()
	a := Fingerprint("sig", []byte("sk"), "enc", []byte("ek"))
	b := Fingerprint("sig", []byte("sk"), "enc", []byte("ek"))
	if !bytes.Equal(a, b) {
		t.Fatalf("fingerprint not deterministic")
	}
	if len(a) != 32 {
		t.Fatalf("fingerprint length = %d, want 32", len(a))
	}
	if bytes.Equal(a, Fingerprint("sig", []byte("sk"), "enc", []byte("ex"))) {
		t.Fatalf("fingerprint must change with key material")
	}
	if bytes.Equal(a, Fingerprint("sig2", []byte("sk"), "enc", []byte("ek"))) {
		t.Fatalf("fingerprint must change with scheme name")
	}
}

func TestEcdsaSignVerify(t *testing.T) {
	t.Parallel()
	rng := newRNG(t)
	key, err := GenerateSignKey(SignEcdsaP256Sha3512, 0, rng)
	if err != nil {
		t.Fatalf("GenerateSignKey: %v", err)
	}
	if err := key.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	data := []byte("signed payload")
	sig, err := key.Sign(rng, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	spki, err := key.Public()
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	if err := VerifySignature(SignEcdsaP256Sha3512, spki, data, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySignature(SignEcdsaP256Sha3512, spki, []byte("other"), sig); err == nil {
		t.Fatalf("verification must fail for tampered data")
	}
}

func TestRsaSignKeyPKCS8RoundTrip(t *testing.T) {
	t.Parallel()
	rng := newRNG(t)
	key, err := GenerateSignKey(SignRsaPssSha3512, 2048, rng)
	if err != nil {
		t.Fatalf("GenerateSignKey: %v", err)
	}
	blob, err := key.MarshalPKCS8()
	if err != nil {
		t.Fatalf("MarshalPKCS8: %v", err)
	}
	loaded, err := LoadSignKey(SignRsaPssSha3512, blob)
	if err != nil {
		t.Fatalf("LoadSignKey: %v", err)
	}
	data := []byte("payload")
	sig, err := loaded.Sign(rng, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	spki, _ := key.Public()
	if err := VerifySignature(SignRsaPssSha3512, spki, data, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	// a scheme mismatch on load is rejected
	if _, err := LoadSignKey(SignEcdsaP256Sha3512, blob); err == nil {
		t.Fatalf("LoadSignKey must reject scheme mismatch")
	}
}

func TestEncryptForDecrypt(t *testing.T) {
	t.Parallel()
	rng := newRNG(t)
	key, err := GenerateCryptKey(CryptRsaOaepSha3512, 2048, rng)
	if err != nil {
		t.Fatalf("GenerateCryptKey: %v", err)
	}
	spki, err := key.Public()
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	secret, _ := RandBytes(SecretKeyLen)
	cipher, err := EncryptFor(CryptRsaOaepSha3512, spki, secret, rng)
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}
	plain, err := key.Decrypt(rng, cipher)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(secret, plain) {
		t.Fatalf("decrypted secret differs")
	}
}

func TestMACVerify(t *testing.T) {
	t.Parallel()
	key, _ := RandBytes(32)
	tag, err := MAC(key, []byte("data"))
	if err != nil {
		t.Fatalf("MAC: %v", err)
	}
	if err := VerifyMAC(key, []byte("data"), tag); err != nil {
		t.Fatalf("VerifyMAC: %v", err)
	}
	if err := VerifyMAC(key, []byte("tampered"), tag); err == nil {
		t.Fatalf("VerifyMAC must fail for tampered data")
	}
	other, _ := RandBytes(32)
	if err := VerifyMAC(other, []byte("data"), tag); err == nil {
		t.Fatalf("VerifyMAC must fail for wrong key")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	rng := newRNG(t)
	secret, _ := RandBytes(SecretKeyLen)
	plain := []byte(`{"todo":"42"}`)

	salt, cipher, err := EncryptPayload(secret, plain, rng)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if len(salt) != SaltLen {
		t.Fatalf("salt length = %d, want %d", len(salt), SaltLen)
	}
	out, err := DecryptPayload(secret, salt, cipher)
	if err != nil {
		t.Fatalf("DecryptPayload: %v", err)
	}
	if !bytes.Equal(plain, out) {
		t.Fatalf("payload round trip failed")
	}
	cipher[0] ^= 0xFF
	if _, err := DecryptPayload(secret, salt, cipher); err == nil {
		t.Fatalf("DecryptPayload must fail for tampered cipher")
	}
}

func TestDeriveExportKey_Deterministic(t *testing.T) {
	t.Parallel()
	salt := []byte("export-salt-0123")
	k1 := DeriveExportKey([]byte("password"), salt)
	k2 := DeriveExportKey([]byte("password"), salt)
	if !bytes.Equal(k1, k2) {
		t.Fatalf("export key not deterministic")
	}
	if bytes.Equal(k1, DeriveExportKey([]byte("other"), salt)) {
		t.Fatalf("export key must change with password")
	}
	if len(k1) != ExportKeyLen {
		t.Fatalf("export key length = %d, want %d", len(k1), ExportKeyLen)
	}
}

func TestDRBG(t *testing.T) {
	t.Parallel()
	a := newRNG(t)
	b := newRNG(t)
	bufA := make([]byte, 128)
	bufB := make([]byte, 128)
	if _, err := a.Read(bufA); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := b.Read(bufB); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if bytes.Equal(bufA, bufB) {
		t.Fatalf("independently seeded generators produced equal output")
	}

	// reseeding folds entropy in without repeating the stream
	before := make([]byte, 64)
	_, _ = a.Read(before)
	a.Reseed([]byte("nonce"))
	after := make([]byte, 64)
	_, _ = a.Read(after)
	if bytes.Equal(before, after) {
		t.Fatalf("reseed must change the output stream")
	}
}
