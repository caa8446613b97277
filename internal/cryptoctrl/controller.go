// Package cryptoctrl implements the crypto controller: the single owner of a
// device's key material. It guards the private signing and encryption keys,
// the versioned symmetric secrets, and the export keys of the account-access
// handshake. Callers receive ciphertexts, proofs and encoded public material;
// raw private keys never cross the package boundary.
package cryptoctrl

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/and161185/devsync/internal/crypto"
	"github.com/and161185/devsync/internal/errs"
	"github.com/and161185/devsync/internal/keystore"
	"github.com/and161185/devsync/internal/settings"
	"github.com/and161185/devsync/internal/wire"
)

// Key store label templates.
const (
	signKeyLabel  = "device/%s/sign-key"
	cryptKeyLabel = "device/%s/crypt-key"
	secretsLabel  = "device/%s/shared-secret"
)

// Config selects the key store provider and the schemes for fresh keys.
type Config struct {
	Provider    string
	SignScheme  string
	CryptScheme string
	RSABits     int
}

func (c Config) withDefaults() Config {
	if c.SignScheme == "" {
		c.SignScheme = crypto.SignEcdsaP256Sha3512
	}
	if c.CryptScheme == "" {
		c.CryptScheme = crypto.CryptRsaOaepSha3512
	}
	return c
}

// Controller owns one device's key material. All methods must be called from
// the loop that owns the controller.
type Controller struct {
	log      *zap.Logger
	cfg      Config
	stores   *keystore.Registry
	settings *settings.Store

	store keystore.KeyStore
	rng   *crypto.DRBG

	signKey     crypto.SignKey
	cryptKey    crypto.CryptKey
	fingerprint []byte

	deviceID   uuid.UUID
	secrets    map[uint32][]byte
	current    uint32
	hasCurrent bool
	next       uint32
	hasNext    bool
}

// New creates a controller bound to a provider registry and settings store.
func New(log *zap.Logger, cfg Config, stores *keystore.Registry, s *settings.Store) *Controller {
	return &Controller{
		log:      log,
		cfg:      cfg.withDefaults(),
		stores:   stores,
		settings: s,
		secrets:  make(map[uint32][]byte),
	}
}

// Initialize acquires the key store adapter and seeds the RNG.
func (c *Controller) Initialize() error {
	rng, err := crypto.NewDRBG()
	if err != nil {
		return fmt.Errorf("seed rng: %w", err)
	}
	c.rng = rng
	store, err := c.stores.Create(c.cfg.Provider)
	if err != nil {
		return fmt.Errorf("create key store: %w", err)
	}
	c.store = store
	return nil
}

// Finalize releases the key store adapter.
func (c *Controller) Finalize() {
	if c.store != nil {
		if err := c.store.CloseStore(); err != nil {
			c.log.Warn("failed to close key store", zap.Error(err))
		}
	}
}

// AcquireStore opens the key store for reading and writing.
func (c *Controller) AcquireStore() error {
	if c.store == nil {
		return fmt.Errorf("%w: no key store", errs.ErrKeyStoreMissing)
	}
	return c.store.LoadStore()
}

// ClearKeyMaterial drops all in-memory key state. Persisted blobs stay.
func (c *Controller) ClearKeyMaterial() {
	c.signKey = nil
	c.cryptKey = nil
	c.fingerprint = nil
	c.deviceID = uuid.Nil
	c.secrets = make(map[uint32][]byte)
	c.hasCurrent = false
	c.hasNext = false
	c.current = 0
	c.next = 0
}

// LoadKeyMaterial reads scheme names from the settings and the private key
// blobs from the key store, validating both keys.
func (c *Controller) LoadKeyMaterial(deviceID uuid.UUID) error {
	if err := c.AcquireStore(); err != nil {
		return err
	}
	c.fingerprint = nil

	signScheme := c.settings.SignScheme()
	signBlob, err := c.store.Load(fmt.Sprintf(signKeyLabel, deviceID))
	if err != nil {
		return fmt.Errorf("load private signing key: %w", err)
	}
	signKey, err := crypto.LoadSignKey(signScheme, signBlob)
	if err != nil {
		return fmt.Errorf("import private signing key: %w", err)
	}
	if err := signKey.Validate(); err != nil {
		return fmt.Errorf("validate private signing key: %w", err)
	}

	cryptScheme := c.settings.CryptScheme()
	cryptBlob, err := c.store.Load(fmt.Sprintf(cryptKeyLabel, deviceID))
	if err != nil {
		return fmt.Errorf("load private encryption key: %w", err)
	}
	cryptKey, err := crypto.LoadCryptKey(cryptScheme, cryptBlob)
	if err != nil {
		return fmt.Errorf("import private encryption key: %w", err)
	}
	if err := cryptKey.Validate(); err != nil {
		return fmt.Errorf("validate private encryption key: %w", err)
	}

	c.signKey = signKey
	c.cryptKey = cryptKey
	c.deviceID = deviceID
	if err := c.loadSecrets(deviceID); err != nil {
		return err
	}
	c.log.Debug("loaded private keys", zap.Stringer("deviceId", deviceID))
	return nil
}

// CreatePrivateKeys seeds the RNG with the server nonce and generates both
// keypairs for the configured schemes, plus the initial symmetric secret if
// none exists yet.
func (c *Controller) CreatePrivateKeys(nonce []byte) error {
	c.fingerprint = nil
	c.rng.Reseed(nonce)

	signKey, err := crypto.GenerateSignKey(c.cfg.SignScheme, c.cfg.RSABits, c.rng)
	if err != nil {
		return fmt.Errorf("generate private signing key: %w", err)
	}
	if err := signKey.Validate(); err != nil {
		return fmt.Errorf("validate private signing key: %w", err)
	}
	cryptKey, err := crypto.GenerateCryptKey(c.cfg.CryptScheme, c.cfg.RSABits, c.rng)
	if err != nil {
		return fmt.Errorf("generate private encryption key: %w", err)
	}
	if err := cryptKey.Validate(); err != nil {
		return fmt.Errorf("validate private encryption key: %w", err)
	}
	c.signKey = signKey
	c.cryptKey = cryptKey

	if !c.hasCurrent {
		secret, err := crypto.RandBytes(crypto.SecretKeyLen)
		if err != nil {
			return fmt.Errorf("generate symmetric secret: %w", err)
		}
		c.secrets[0] = secret
		c.current = 0
		c.hasCurrent = true
	}
	c.log.Debug("generated new private keys")
	return nil
}

// StorePrivateKeys persists the scheme names to the settings and both
// private keys plus the symmetric secrets to the key store.
func (c *Controller) StorePrivateKeys(deviceID uuid.UUID) error {
	if err := c.AcquireStore(); err != nil {
		return err
	}
	signBlob, err := c.signKey.MarshalPKCS8()
	if err != nil {
		return fmt.Errorf("encode private signing key: %w", err)
	}
	cryptBlob, err := c.cryptKey.MarshalPKCS8()
	if err != nil {
		return fmt.Errorf("encode private encryption key: %w", err)
	}
	c.settings.SetSignScheme(c.signKey.Scheme())
	if err := c.store.Store(fmt.Sprintf(signKeyLabel, deviceID), signBlob); err != nil {
		return fmt.Errorf("store private signing key: %w", err)
	}
	c.settings.SetCryptScheme(c.cryptKey.Scheme())
	if err := c.store.Store(fmt.Sprintf(cryptKeyLabel, deviceID), cryptBlob); err != nil {
		return fmt.Errorf("store private encryption key: %w", err)
	}
	c.deviceID = deviceID
	if err := c.persistSecrets(); err != nil {
		return err
	}
	c.log.Debug("stored private keys", zap.Stringer("deviceId", deviceID))
	return nil
}

// DeleteKeyMaterial removes all persisted blobs of a device and clears the
// in-memory state.
func (c *Controller) DeleteKeyMaterial(deviceID uuid.UUID) error {
	if err := c.AcquireStore(); err != nil {
		return err
	}
	if err := c.store.Remove(fmt.Sprintf(signKeyLabel, deviceID)); err != nil {
		return err
	}
	if err := c.store.Remove(fmt.Sprintf(cryptKeyLabel, deviceID)); err != nil {
		return err
	}
	if err := c.store.Remove(fmt.Sprintf(secretsLabel, deviceID)); err != nil {
		return err
	}
	c.ClearKeyMaterial()
	return nil
}

// HasKeys reports whether private key material is loaded.
func (c *Controller) HasKeys() bool { return c.signKey != nil && c.cryptKey != nil }

// Fingerprint returns the cached SHA3-256 digest of the device's public key
// material.
func (c *Controller) Fingerprint() ([]byte, error) {
	if c.fingerprint != nil {
		return c.fingerprint, nil
	}
	if !c.HasKeys() {
		return nil, fmt.Errorf("%w: no key material for fingerprint", errs.ErrKeyStoreMissing)
	}
	signSPKI, err := c.signKey.Public()
	if err != nil {
		return nil, fmt.Errorf("generate device fingerprint: %w", err)
	}
	cryptSPKI, err := c.cryptKey.Public()
	if err != nil {
		return nil, fmt.Errorf("generate device fingerprint: %w", err)
	}
	c.fingerprint = crypto.Fingerprint(c.signKey.Scheme(), signSPKI, c.cryptKey.Scheme(), cryptSPKI)
	return c.fingerprint, nil
}

// SignScheme returns the loaded signing scheme name.
func (c *Controller) SignScheme() string { return c.signKey.Scheme() }

// SignPublic returns the SPKI encoding of the public signing key.
func (c *Controller) SignPublic() ([]byte, error) { return c.signKey.Public() }

// CryptScheme returns the loaded encryption scheme name.
func (c *Controller) CryptScheme() string { return c.cryptKey.Scheme() }

// CryptPublic returns the SPKI encoding of the public encryption key.
func (c *Controller) CryptPublic() ([]byte, error) { return c.cryptKey.Public() }

// KeyIndex returns the current symmetric key index.
func (c *Controller) KeyIndex() uint32 { return c.current }

// HasStagedKey reports whether a generated next key awaits activation.
func (c *Controller) HasStagedKey() bool { return c.hasNext }

func (c *Controller) secretAt(index uint32) ([]byte, error) {
	secret, ok := c.secrets[index]
	if !ok {
		return nil, fmt.Errorf("%w: no secret for index %d", errs.ErrKeyIndex, index)
	}
	return secret, nil
}

// macKey derives the CMAC key from a signing public key, binding the proof
// to the signing identity.
func macKey(signSPKI []byte) []byte {
	k := sha3.Sum256(signSPKI)
	return k[:]
}

// GenerateEncryptionKeyCmac proves possession of the current symmetric key.
func (c *Controller) GenerateEncryptionKeyCmac() ([]byte, error) {
	return c.GenerateEncryptionKeyCmacFor(c.current)
}

// GenerateEncryptionKeyCmacFor proves possession of the symmetric key at the
// given index: a CMAC over the raw key bytes, keyed by the device's signing
// identity.
func (c *Controller) GenerateEncryptionKeyCmacFor(index uint32) ([]byte, error) {
	secret, err := c.secretAt(index)
	if err != nil {
		return nil, err
	}
	signSPKI, err := c.signKey.Public()
	if err != nil {
		return nil, fmt.Errorf("key cmac: %w", err)
	}
	tag, err := crypto.MAC(macKey(signSPKI), secret)
	if err != nil {
		return nil, fmt.Errorf("key cmac: %w", err)
	}
	return tag, nil
}

// VerifyEncryptionKeyCmac checks a peer's possession proof for the symmetric
// key at the given index against the peer's signing identity.
func (c *Controller) VerifyEncryptionKeyCmac(index uint32, peerSignSPKI, tag []byte) error {
	secret, err := c.secretAt(index)
	if err != nil {
		return err
	}
	if err := crypto.VerifyMAC(macKey(peerSignSPKI), secret, tag); err != nil {
		return fmt.Errorf("peer key proof: %w", err)
	}
	return nil
}

// CreateCmac tags arbitrary data with the current symmetric key.
func (c *Controller) CreateCmac(data []byte) ([]byte, error) {
	return c.CreateCmacFor(c.current, data)
}

// CreateCmacFor tags arbitrary data with the symmetric key at an index.
func (c *Controller) CreateCmacFor(index uint32, data []byte) ([]byte, error) {
	secret, err := c.secretAt(index)
	if err != nil {
		return nil, err
	}
	return crypto.MAC(secret, data)
}

// VerifyCmac checks a tag produced by CreateCmacFor at the given index.
func (c *Controller) VerifyCmac(index uint32, data, tag []byte) error {
	secret, err := c.secretAt(index)
	if err != nil {
		return err
	}
	return crypto.VerifyMAC(secret, data, tag)
}

// EncryptData seals a payload under the current symmetric key.
func (c *Controller) EncryptData(plain []byte) (keyIndex uint32, salt, cipher []byte, err error) {
	secret, err := c.secretAt(c.current)
	if err != nil {
		return 0, nil, nil, err
	}
	salt, cipher, err = crypto.EncryptPayload(secret, plain, c.rng)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("encrypt data: %w", err)
	}
	return c.current, salt, cipher, nil
}

// DecryptData opens a payload sealed under the key at keyIndex. Superseded
// keys stay available for exactly this.
func (c *Controller) DecryptData(keyIndex uint32, salt, cipher []byte) ([]byte, error) {
	secret, err := c.secretAt(keyIndex)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.DecryptPayload(secret, salt, cipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt data: %w", err)
	}
	return plain, nil
}

// GenerateNextKey stages the successor symmetric key. Calling it again while
// a key is staged returns the staged one.
func (c *Controller) GenerateNextKey() (uint32, string, error) {
	if c.hasNext {
		return c.next, crypto.SecretXChaCha20Poly1305, nil
	}
	secret, err := crypto.RandBytes(crypto.SecretKeyLen)
	if err != nil {
		return 0, "", fmt.Errorf("generate next key: %w", err)
	}
	c.next = c.current + 1
	c.hasNext = true
	c.secrets[c.next] = secret
	if err := c.persistSecrets(); err != nil {
		return 0, "", err
	}
	return c.next, crypto.SecretXChaCha20Poly1305, nil
}

// ActivateNextKey promotes the staged key to current. The index must match
// the staged one; indices are never reused.
func (c *Controller) ActivateNextKey(index uint32) error {
	if !c.hasNext || index != c.next {
		return fmt.Errorf("%w: cannot activate %d", errs.ErrKeyIndex, index)
	}
	c.current = index
	c.hasCurrent = true
	c.hasNext = false
	return c.persistSecrets()
}

// SecretScheme returns the symmetric payload scheme name.
func (c *Controller) SecretScheme() string { return crypto.SecretXChaCha20Poly1305 }

// EncryptSecretKey encrypts the symmetric key at index for a peer device's
// public encryption key.
func (c *Controller) EncryptSecretKey(index uint32, peerCryptScheme string, peerCryptSPKI []byte) ([]byte, error) {
	secret, err := c.secretAt(index)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.EncryptFor(peerCryptScheme, peerCryptSPKI, secret, c.rng)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret key: %w", err)
	}
	return cipher, nil
}

// DecryptSecretKey installs a symmetric key received from a peer or the
// server. With activate set the key becomes current if it is not older than
// the current one.
func (c *Controller) DecryptSecretKey(index uint32, scheme string, cipher []byte, activate bool) error {
	if scheme != crypto.SecretXChaCha20Poly1305 {
		return fmt.Errorf("secret scheme %q not supported", scheme)
	}
	secret, err := c.cryptKey.Decrypt(c.rng, cipher)
	if err != nil {
		return fmt.Errorf("decrypt secret key: %w", err)
	}
	if len(secret) != crypto.SecretKeyLen {
		return fmt.Errorf("%w: bad secret length %d", errs.ErrKeyValidation, len(secret))
	}
	c.secrets[index] = secret
	if activate && (!c.hasCurrent || index >= c.current) {
		c.current = index
		c.hasCurrent = true
		if c.hasNext && c.next <= index {
			c.hasNext = false
		}
	}
	return c.persistSecrets()
}

// GenerateExportKey creates the key protecting an account export. A non-empty
// password derives the key (trusted export, reproducible by the partner); an
// empty password yields a random key that must travel with the export data.
func (c *Controller) GenerateExportKey(password string) (scheme string, salt, key []byte, err error) {
	if password == "" {
		key, err = crypto.RandBytes(crypto.ExportKeyLen)
		if err != nil {
			return "", nil, nil, fmt.Errorf("generate export key: %w", err)
		}
		return crypto.MacAes256Cmac, nil, key, nil
	}
	salt, err = crypto.RandBytes(16)
	if err != nil {
		return "", nil, nil, fmt.Errorf("generate export salt: %w", err)
	}
	key = crypto.DeriveExportKey([]byte(password), salt)
	return crypto.MacAes256Cmac, salt, key, nil
}

// RecoverExportKey re-derives a trusted export key from password and salt.
func (c *Controller) RecoverExportKey(password string, salt []byte) []byte {
	return crypto.DeriveExportKey([]byte(password), salt)
}

// CreateExportCmac tags export sign data with an export key.
func (c *Controller) CreateExportCmac(scheme string, key, signData []byte) ([]byte, error) {
	if scheme != crypto.MacAes256Cmac {
		return nil, fmt.Errorf("mac scheme %q not supported", scheme)
	}
	return crypto.MAC(key, signData)
}

// VerifyImportCmac checks an export/import tag.
func (c *Controller) VerifyImportCmac(scheme string, key, data, tag []byte) error {
	if scheme != crypto.MacAes256Cmac {
		return fmt.Errorf("mac scheme %q not supported", scheme)
	}
	return crypto.VerifyMAC(key, data, tag)
}

// CreateExportCmacForCrypto tags this device's fingerprint with an export
// key, forming the trustmac of a pre-trusted import.
func (c *Controller) CreateExportCmacForCrypto(scheme string, key []byte) ([]byte, error) {
	fp, err := c.Fingerprint()
	if err != nil {
		return nil, err
	}
	return c.CreateExportCmac(scheme, key, fp)
}

// SerializeSignedMessage frames a message as a signed envelope.
func (c *Controller) SerializeSignedMessage(m wire.Message) ([]byte, error) {
	if c.signKey == nil {
		return nil, fmt.Errorf("%w: no signing key", errs.ErrKeyStoreMissing)
	}
	return wire.MarshalSigned(m, func(body []byte) ([]byte, error) {
		return c.signKey.Sign(c.rng, body)
	})
}

// RNG exposes the controller-owned random source for operations that need
// randomness on the same loop (export nonces).
func (c *Controller) RNG() *crypto.DRBG { return c.rng }

// --- secret persistence ---

func (c *Controller) persistSecrets() error {
	if c.store == nil || c.deviceID == uuid.Nil {
		return nil
	}
	var w wire.Writer
	w.Bool(c.hasCurrent)
	w.Uint32(c.current)
	w.Bool(c.hasNext)
	w.Uint32(c.next)
	w.Uint32(uint32(len(c.secrets)))
	for index, secret := range c.secrets {
		w.Uint32(index)
		w.Bytes32(secret)
	}
	if err := c.store.Store(fmt.Sprintf(secretsLabel, c.deviceID), w.Bytes()); err != nil {
		return fmt.Errorf("store symmetric secrets: %w", err)
	}
	return nil
}

func (c *Controller) loadSecrets(deviceID uuid.UUID) error {
	ok, err := c.store.Contains(fmt.Sprintf(secretsLabel, deviceID))
	if err != nil || !ok {
		return err
	}
	blob, err := c.store.Load(fmt.Sprintf(secretsLabel, deviceID))
	if err != nil {
		return err
	}
	r := wire.NewReader(blob)
	hasCurrent := r.Bool()
	current := r.Uint32()
	hasNext := r.Bool()
	next := r.Uint32()
	n := r.Uint32()
	secrets := make(map[uint32][]byte, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		index := r.Uint32()
		secrets[index] = r.Bytes32()
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: corrupt secret blob", errs.ErrKeyValidation)
	}
	c.hasCurrent = hasCurrent
	c.current = current
	c.hasNext = hasNext
	c.next = next
	c.secrets = secrets
	return nil
}
