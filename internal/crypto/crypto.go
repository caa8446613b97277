// Package crypto wraps the cryptographic primitives of the sync protocol
// behind a narrow capability surface: asymmetric signing and encryption with
// named schemes, CMAC possession proofs, payload AEAD, key fingerprints and
// a reseedable RNG. Private key material never leaves this package except as
// PKCS#8 blobs destined for the key store.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"github.com/and161185/devsync/internal/errs"
)

// Supported scheme names as transmitted on the wire.
const (
	SignRsaPssSha3512    = "RSA-PSS-SHA3-512"
	SignEcdsaP256Sha3512 = "ECDSA-P256-SHA3-512"
	SignEcdsaP384Sha3512 = "ECDSA-P384-SHA3-512"
	SignEcdsaP521Sha3512 = "ECDSA-P521-SHA3-512"

	CryptRsaOaepSha3512 = "RSA-OAEP-SHA3-512"

	// SecretXChaCha20Poly1305 is the symmetric payload scheme.
	SecretXChaCha20Poly1305 = "XCHACHA20-POLY1305"

	// MacAes256Cmac is the possession-proof scheme.
	MacAes256Cmac = "AES256-CMAC"
)

// DefaultRSABits is the key size used when an RSA scheme is generated
// without an explicit parameter.
const DefaultRSABits = 4096

// SignKey is a device's private signing key.
type SignKey interface {
	// Scheme returns the wire scheme name.
	Scheme() string
	// Sign produces a detached signature over data.
	Sign(rng io.Reader, data []byte) ([]byte, error)
	// Public returns the X.509 SPKI encoding of the public key.
	Public() ([]byte, error)
	// MarshalPKCS8 returns the private key as a PKCS#8 blob.
	MarshalPKCS8() ([]byte, error)
	// Validate checks the key material for consistency.
	Validate() error
}

// CryptKey is a device's private encryption key.
type CryptKey interface {
	Scheme() string
	// Decrypt opens a ciphertext produced for this key's public part.
	Decrypt(rng io.Reader, cipher []byte) ([]byte, error)
	Public() ([]byte, error)
	MarshalPKCS8() ([]byte, error)
	Validate() error
}

type rsaSignKey struct{ key *rsa.PrivateKey }

func (k *rsaSignKey) Scheme() string { return SignRsaPssSha3512 }

func (k *rsaSignKey) Sign(rng io.Reader, data []byte) ([]byte, error) {
	digest := sha3.Sum512(data)
	return rsa.SignPSS(rng, k.key, crypto.SHA3_512, digest[:], nil)
}

func (k *rsaSignKey) Public() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.key.PublicKey)
}

func (k *rsaSignKey) MarshalPKCS8() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func (k *rsaSignKey) Validate() error {
	if err := k.key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrKeyValidation, err)
	}
	return nil
}

type ecdsaSignKey struct {
	scheme string
	key    *ecdsa.PrivateKey
}

func (k *ecdsaSignKey) Scheme() string { return k.scheme }

func (k *ecdsaSignKey) Sign(rng io.Reader, data []byte) ([]byte, error) {
	digest := sha3.Sum512(data)
	return ecdsa.SignASN1(rng, k.key, digest[:])
}

func (k *ecdsaSignKey) Public() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.key.PublicKey)
}

func (k *ecdsaSignKey) MarshalPKCS8() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func (k *ecdsaSignKey) Validate() error {
	if !k.key.Curve.IsOnCurve(k.key.X, k.key.Y) {
		return fmt.Errorf("%w: public point not on curve", errs.ErrKeyValidation)
	}
	return nil
}

type rsaCryptKey struct{ key *rsa.PrivateKey }

func (k *rsaCryptKey) Scheme() string { return CryptRsaOaepSha3512 }

func (k *rsaCryptKey) Decrypt(rng io.Reader, cipher []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha3.New512(), rng, k.key, cipher, nil)
}

func (k *rsaCryptKey) Public() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.key.PublicKey)
}

func (k *rsaCryptKey) MarshalPKCS8() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func (k *rsaCryptKey) Validate() error {
	if err := k.key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrKeyValidation, err)
	}
	return nil
}

func ecdsaCurve(scheme string) (elliptic.Curve, bool) {
	switch scheme {
	case SignEcdsaP256Sha3512:
		return elliptic.P256(), true
	case SignEcdsaP384Sha3512:
		return elliptic.P384(), true
	case SignEcdsaP521Sha3512:
		return elliptic.P521(), true
	default:
		return nil, false
	}
}

// GenerateSignKey creates a fresh signing key for the named scheme.
// rsaBits applies to RSA schemes only; 0 selects DefaultRSABits.
func GenerateSignKey(scheme string, rsaBits int, rng io.Reader) (SignKey, error) {
	switch {
	case scheme == SignRsaPssSha3512:
		if rsaBits == 0 {
			rsaBits = DefaultRSABits
		}
		key, err := rsa.GenerateKey(rng, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", scheme, err)
		}
		return &rsaSignKey{key: key}, nil
	default:
		curve, ok := ecdsaCurve(scheme)
		if !ok {
			return nil, fmt.Errorf("signature scheme %q not supported", scheme)
		}
		key, err := ecdsa.GenerateKey(curve, rng)
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", scheme, err)
		}
		return &ecdsaSignKey{scheme: scheme, key: key}, nil
	}
}

// LoadSignKey decodes a PKCS#8 blob previously produced by MarshalPKCS8 and
// checks it against the named scheme.
func LoadSignKey(scheme string, pkcs8 []byte) (SignKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyValidation, err)
	}
	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		if scheme != SignRsaPssSha3512 {
			return nil, fmt.Errorf("%w: RSA key for scheme %q", errs.ErrKeyValidation, scheme)
		}
		return &rsaSignKey{key: key}, nil
	case *ecdsa.PrivateKey:
		curve, ok := ecdsaCurve(scheme)
		if !ok || key.Curve != curve {
			return nil, fmt.Errorf("%w: ECDSA curve does not match scheme %q", errs.ErrKeyValidation, scheme)
		}
		return &ecdsaSignKey{scheme: scheme, key: key}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", errs.ErrKeyValidation, parsed)
	}
}

// GenerateCryptKey creates a fresh encryption key for the named scheme.
func GenerateCryptKey(scheme string, rsaBits int, rng io.Reader) (CryptKey, error) {
	if scheme != CryptRsaOaepSha3512 {
		return nil, fmt.Errorf("encryption scheme %q not supported", scheme)
	}
	if rsaBits == 0 {
		rsaBits = DefaultRSABits
	}
	key, err := rsa.GenerateKey(rng, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", scheme, err)
	}
	return &rsaCryptKey{key: key}, nil
}

// LoadCryptKey decodes a PKCS#8 blob and checks it against the named scheme.
func LoadCryptKey(scheme string, pkcs8 []byte) (CryptKey, error) {
	if scheme != CryptRsaOaepSha3512 {
		return nil, fmt.Errorf("%w: encryption scheme %q not supported", errs.ErrKeyValidation, scheme)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyValidation, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", errs.ErrKeyValidation, parsed)
	}
	return &rsaCryptKey{key: key}, nil
}

// VerifySignature checks a detached signature against an SPKI-encoded public
// key of the named scheme.
func VerifySignature(scheme string, spki, data, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrKeyValidation, err)
	}
	digest := sha3.Sum512(data)
	switch scheme {
	case SignRsaPssSha3512:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: key type %T for scheme %q", errs.ErrKeyValidation, pub, scheme)
		}
		if err := rsa.VerifyPSS(key, crypto.SHA3_512, digest[:], sig, nil); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
		}
		return nil
	case SignEcdsaP256Sha3512, SignEcdsaP384Sha3512, SignEcdsaP521Sha3512:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: key type %T for scheme %q", errs.ErrKeyValidation, pub, scheme)
		}
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return fmt.Errorf("%w: ecdsa signature mismatch", errs.ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("signature scheme %q not supported", scheme)
	}
}

// EncryptFor encrypts a short plaintext (a symmetric secret) for the
// SPKI-encoded public key of the named scheme.
func EncryptFor(scheme string, spki, plain []byte, rng io.Reader) ([]byte, error) {
	if scheme != CryptRsaOaepSha3512 {
		return nil, fmt.Errorf("encryption scheme %q not supported", scheme)
	}
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrKeyValidation, err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %T for scheme %q", errs.ErrKeyValidation, pub, scheme)
	}
	return rsa.EncryptOAEP(sha3.New512(), rng, key, plain, nil)
}

// Fingerprint computes the SHA3-256 digest over scheme names and public key
// material. It is a pure function of its inputs.
func Fingerprint(signScheme string, signSPKI []byte, cryptScheme string, cryptSPKI []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(signScheme))
	h.Write(signSPKI)
	h.Write([]byte(cryptScheme))
	h.Write(cryptSPKI)
	return h.Sum(nil)
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
