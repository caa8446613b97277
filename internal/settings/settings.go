// Package settings holds the persistent client state as a typed store over
// an injected flat key/value backend.
package settings

import (
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/devsync/internal/model"
)

// Recognized option keys. The set is exhaustive; group removal works on the
// "remote/" and "import/" prefixes.
const (
	KeyEnabled          = "enabled"
	KeyRemoteURL        = "remote/url"
	KeyAccessKey        = "remote/accessKey"
	KeyHeadersPrefix    = "remote/headers/"
	KeyKeepaliveTimeout = "remote/keepaliveTimeout"
	KeyDeviceID         = "deviceId"
	KeyDeviceName       = "deviceName"
	KeySignScheme       = "scheme/signing"
	KeyCryptScheme      = "scheme/encryption"
	KeySendCmac         = "sendCmac"
	KeyImportNonce      = "import/nonce"
	KeyImportPartner    = "import/partner"
	KeyImportScheme     = "import/scheme"
	KeyImportCmac       = "import/cmac"
	KeyImportKey        = "import/key"

	groupRemote = "remote/"
	groupImport = "import/"
)

// Backend is the raw persistence surface: read, write, erase, group
// enumeration. Implementations need not be safe for concurrent use; the
// store is written only on the connector's loop.
type Backend interface {
	// Get returns the raw value for a key.
	Get(key string) ([]byte, bool)
	// Set writes the raw value for a key.
	Set(key string, value []byte)
	// Remove deletes a single key.
	Remove(key string)
	// Keys lists all stored keys with the given prefix.
	Keys(prefix string) []string
	// Flush persists outstanding writes.
	Flush() error
}

// Store is the typed view over a settings backend.
type Store struct {
	b Backend
}

// New wraps a backend.
func New(b Backend) *Store { return &Store{b: b} }

// Flush persists outstanding writes.
func (s *Store) Flush() error { return s.b.Flush() }

func (s *Store) getString(key string) string {
	v, ok := s.b.Get(key)
	if !ok {
		return ""
	}
	return string(v)
}

func (s *Store) getBool(key string, def bool) bool {
	v, ok := s.b.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(string(v))
	if err != nil {
		return def
	}
	return b
}

func (s *Store) setBool(key string, v bool) {
	s.b.Set(key, []byte(strconv.FormatBool(v)))
}

// Enabled reports whether synchronization is switched on. Defaults to true.
func (s *Store) Enabled() bool { return s.getBool(KeyEnabled, true) }

// SetEnabled switches synchronization on or off.
func (s *Store) SetEnabled(v bool) { s.setBool(KeyEnabled, v) }

// RemoteURL returns the server URL, empty if unset.
func (s *Store) RemoteURL() string { return s.getString(KeyRemoteURL) }

// SetRemoteURL stores the server URL.
func (s *Store) SetRemoteURL(url string) { s.b.Set(KeyRemoteURL, []byte(url)) }

// AccessKey returns the connection access key.
func (s *Store) AccessKey() string { return s.getString(KeyAccessKey) }

// SetAccessKey stores the connection access key.
func (s *Store) SetAccessKey(key string) { s.b.Set(KeyAccessKey, []byte(key)) }

// Headers returns the extra handshake headers.
func (s *Store) Headers() map[string][]byte {
	keys := s.b.Keys(KeyHeadersPrefix)
	if len(keys) == 0 {
		return nil
	}
	headers := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.b.Get(k); ok {
			headers[strings.TrimPrefix(k, KeyHeadersPrefix)] = v
		}
	}
	return headers
}

// SetHeader stores one extra handshake header.
func (s *Store) SetHeader(name string, value []byte) {
	s.b.Set(KeyHeadersPrefix+name, value)
}

// KeepaliveTimeout returns the keepalive interval in minutes; 0 disables
// keepalive.
func (s *Store) KeepaliveTimeout() int {
	v, ok := s.b.Get(KeyKeepaliveTimeout)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(string(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetKeepaliveTimeout stores the keepalive interval in minutes.
func (s *Store) SetKeepaliveTimeout(minutes int) {
	s.b.Set(KeyKeepaliveTimeout, []byte(strconv.Itoa(minutes)))
}

// DeviceID returns the persisted device id, Nil if not registered.
func (s *Store) DeviceID() uuid.UUID {
	v, ok := s.b.Get(KeyDeviceID)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.FromString(string(v))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SetDeviceID persists the device id.
func (s *Store) SetDeviceID(id uuid.UUID) { s.b.Set(KeyDeviceID, []byte(id.String())) }

// RemoveDeviceID erases the persisted device id.
func (s *Store) RemoveDeviceID() { s.b.Remove(KeyDeviceID) }

// DeviceName returns the persisted device name, falling back to the host
// name.
func (s *Store) DeviceName() string {
	if name := s.getString(KeyDeviceName); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "device"
	}
	return host
}

// SetDeviceName persists the device name.
func (s *Store) SetDeviceName(name string) { s.b.Set(KeyDeviceName, []byte(name)) }

// RemoveDeviceName erases the persisted device name.
func (s *Store) RemoveDeviceName() { s.b.Remove(KeyDeviceName) }

// HasDeviceName reports whether an explicit device name is stored.
func (s *Store) HasDeviceName() bool {
	_, ok := s.b.Get(KeyDeviceName)
	return ok
}

// SignScheme returns the persisted signature scheme name.
func (s *Store) SignScheme() string { return s.getString(KeySignScheme) }

// SetSignScheme persists the signature scheme name.
func (s *Store) SetSignScheme(scheme string) { s.b.Set(KeySignScheme, []byte(scheme)) }

// CryptScheme returns the persisted encryption scheme name.
func (s *Store) CryptScheme() string { return s.getString(KeyCryptScheme) }

// SetCryptScheme persists the encryption scheme name.
func (s *Store) SetCryptScheme(scheme string) { s.b.Set(KeyCryptScheme, []byte(scheme)) }

// SendCmac reports whether a key-possession proof is still owed to the
// server.
func (s *Store) SendCmac() bool { return s.getBool(KeySendCmac, false) }

// SetSendCmac marks a key-possession proof as owed.
func (s *Store) SetSendCmac() { s.setBool(KeySendCmac, true) }

// ClearSendCmac clears the owed proof flag.
func (s *Store) ClearSendCmac() { s.b.Remove(KeySendCmac) }

// ImportNonce returns the pending import nonce, nil if no import is staged.
func (s *Store) ImportNonce() []byte {
	v, _ := s.b.Get(KeyImportNonce)
	return v
}

// ImportPartner returns the pending import partner device id.
func (s *Store) ImportPartner() uuid.UUID {
	v, ok := s.b.Get(KeyImportPartner)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.FromString(string(v))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// ImportScheme returns the pending import mac scheme.
func (s *Store) ImportScheme() string { return s.getString(KeyImportScheme) }

// ImportCmac returns the pending import cmac.
func (s *Store) ImportCmac() []byte {
	v, _ := s.b.Get(KeyImportCmac)
	return v
}

// ImportKey returns the trusted import key, nil for untrusted imports.
func (s *Store) ImportKey() []byte {
	v, _ := s.b.Get(KeyImportKey)
	return v
}

// StageImport persists a prepared import. key is nil for untrusted imports.
func (s *Store) StageImport(data model.ExportData, key []byte) {
	s.b.Set(KeyImportNonce, data.PNonce)
	s.b.Set(KeyImportPartner, []byte(data.PartnerID.String()))
	s.b.Set(KeyImportScheme, []byte(data.Scheme))
	s.b.Set(KeyImportCmac, data.Cmac)
	if key != nil {
		s.b.Set(KeyImportKey, key)
	} else {
		s.b.Remove(KeyImportKey)
	}
}

// ClearImport erases all staged import state.
func (s *Store) ClearImport() { s.removeGroup(groupImport) }

// ClearRemote erases the remote connection configuration.
func (s *Store) ClearRemote() { s.removeGroup(groupRemote) }

func (s *Store) removeGroup(prefix string) {
	for _, k := range s.b.Keys(prefix) {
		s.b.Remove(k)
	}
}

// RemoteConfig assembles the connection part of the configuration.
func (s *Store) RemoteConfig() model.RemoteConfig {
	return model.RemoteConfig{
		URL:              s.RemoteURL(),
		AccessKey:        s.AccessKey(),
		Headers:          s.Headers(),
		KeepaliveTimeout: s.KeepaliveTimeout(),
	}
}

// StoreRemoteConfig persists the connection part of the configuration.
func (s *Store) StoreRemoteConfig(cfg model.RemoteConfig) {
	s.SetRemoteURL(cfg.URL)
	s.SetAccessKey(cfg.AccessKey)
	for name, value := range cfg.Headers {
		s.SetHeader(name, value)
	}
	s.SetKeepaliveTimeout(cfg.KeepaliveTimeout)
}
