// Package model defines domain entities shared by the connector and the server.
package model

import (
	"github.com/gofrs/uuid/v5"
)

// ObjectKey addresses one synchronized entry within a user's dataset.
type ObjectKey struct {
	Type string
	Key  string
}

// DeviceInfo describes a device as shown to the user.
type DeviceInfo struct {
	DeviceID    uuid.UUID
	Name        string
	Fingerprint []byte
}

// RemoteConfig is the connection part of the client configuration. It can be
// embedded into an account export so the importing device ends up on the same
// server.
type RemoteConfig struct {
	URL              string            `json:"url"`
	AccessKey        string            `json:"accessKey,omitempty"`
	Headers          map[string][]byte `json:"headers,omitempty"`
	KeepaliveTimeout int               `json:"keepaliveTimeout,omitempty"` // minutes, 0 disables
}

// ExportData is the payload handed from an exporting device to an importing
// one (via QR code, file, ...). The export key itself travels out of band; a
// trusted export additionally carries it so the partner can prove possession
// without user interaction.
type ExportData struct {
	Trusted   bool          `json:"trusted"`
	PNonce    []byte        `json:"nonce"`
	PartnerID uuid.UUID     `json:"partner"`
	Scheme    string        `json:"scheme"`
	Cmac      []byte        `json:"cmac"`
	Config    *RemoteConfig `json:"config,omitempty"`
}

// SignData is the byte range covered by the export cmac.
func (d ExportData) SignData() []byte {
	out := make([]byte, 0, len(d.PNonce)+16+len(d.Scheme))
	out = append(out, d.PNonce...)
	out = append(out, d.PartnerID.Bytes()...)
	out = append(out, d.Scheme...)
	return out
}

// Device is a server-side device row. The numeric ID is the database key,
// DeviceID the client-generated identity.
type Device struct {
	ID          int64
	DeviceID    uuid.UUID
	UserID      uuid.UUID
	Name        string
	SignScheme  string
	SignKey     []byte // X.509 SPKI
	CryptScheme string
	CryptKey    []byte // X.509 SPKI
	Fingerprint []byte
	KeyMac      []byte // latest key-possession proof, nil until first MacUpdate
}

// PendingChange is one data row still queued for a device.
type PendingChange struct {
	DataIndex uint64
	KeyIndex  uint32
	Salt      []byte
	Data      []byte
}

// KeyChange is one staged symmetric-key update for a device, delivered inside
// Welcome until the device proves the new key.
type KeyChange struct {
	KeyIndex uint32
	Scheme   string
	Cipher   []byte
	Mac      []byte
}
