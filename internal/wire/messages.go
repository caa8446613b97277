package wire

import (
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/devsync/internal/errs"
)

// Message is one typed frame of the exchange catalog.
type Message interface {
	// Name is the wire-transmitted type name.
	Name() string

	encodeFields(w *Writer)
	decodeFields(r *Reader)
}

// registry maps wire type names to factories for decoding.
var registry = map[string]func() Message{}

func register(name string, factory func() Message) { registry[name] = factory }

func init() {
	register("Identify", func() Message { return &Identify{} })
	register("Register", func() Message { return &Register{} })
	register("Access", func() Message { return &Access{} })
	register("Login", func() Message { return &Login{} })
	register("Account", func() Message { return &Account{} })
	register("Grant", func() Message { return &Grant{} })
	register("Welcome", func() Message { return &Welcome{} })
	register("MacUpdate", func() Message { return &MacUpdate{} })
	register("MacUpdateAck", func() Message { return &MacUpdateAck{} })
	register("KeyChange", func() Message { return &KeyChange{} })
	register("DeviceKeys", func() Message { return &DeviceKeys{} })
	register("NewKey", func() Message { return &NewKey{} })
	register("NewKeyAck", func() Message { return &NewKeyAck{} })
	register("Change", func() Message { return &Change{} })
	register("ChangeAck", func() Message { return &ChangeAck{} })
	register("DeviceChange", func() Message { return &DeviceChange{} })
	register("DeviceChangeAck", func() Message { return &DeviceChangeAck{} })
	register("ChangedInfo", func() Message { return &ChangedInfo{} })
	register("Changed", func() Message { return &Changed{} })
	register("ChangedAck", func() Message { return &ChangedAck{} })
	register("LastChanged", func() Message { return &LastChanged{} })
	register("Sync", func() Message { return &Sync{} })
	register("ListDevices", func() Message { return &ListDevices{} })
	register("Devices", func() Message { return &Devices{} })
	register("Remove", func() Message { return &Remove{} })
	register("Removed", func() Message { return &Removed{} })
	register("Proof", func() Message { return &Proof{} })
	register("Accept", func() Message { return &Accept{} })
	register("Deny", func() Message { return &Deny{} })
	register("Error", func() Message { return &Error{} })
}

// Marshal serializes a message into a complete frame.
func Marshal(m Message) []byte {
	var w Writer
	w.Uint16(StreamVersion)
	w.String(m.Name())
	m.encodeFields(&w)
	return w.Bytes()
}

// Unmarshal decodes a frame into its typed message. Trailing bytes (a signed
// envelope's signature) are permitted and left unread.
func Unmarshal(frame []byte) (Message, error) {
	m, _, err := unmarshal(frame)
	return m, err
}

func unmarshal(frame []byte) (Message, *Reader, error) {
	r := NewReader(frame)
	name, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}
	factory, ok := registry[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", errs.ErrUnknownMessage, name)
	}
	m := factory()
	m.decodeFields(r)
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return m, r, nil
}

// MarshalSigned serializes a message and appends a detached signature over
// the frame bytes, produced by sign.
func MarshalSigned(m Message, sign func(body []byte) ([]byte, error)) ([]byte, error) {
	body := Marshal(m)
	sig, err := sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", m.Name(), err)
	}
	var w Writer
	w.buf.Write(body)
	w.Bytes32(sig)
	return w.Bytes(), nil
}

// UnmarshalSigned decodes a signed envelope and verifies the detached
// signature over the body byte range via verify.
func UnmarshalSigned(frame []byte, verify func(body, sig []byte) error) (Message, error) {
	m, r, err := unmarshal(frame)
	if err != nil {
		return nil, err
	}
	bodyLen := r.Pos()
	sig := r.Bytes32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode %s signature: %w", m.Name(), err)
	}
	if err := verify(frame[:bodyLen], sig); err != nil {
		return nil, fmt.Errorf("verify %s: %w", m.Name(), err)
	}
	return m, nil
}

// Signature splits a signed envelope without verifying it. Used by the
// server to look up the signer's public key from the message itself before
// verification.
func Signature(frame []byte) (m Message, body, sig []byte, err error) {
	m, r, err := unmarshal(frame)
	if err != nil {
		return nil, nil, nil, err
	}
	bodyLen := r.Pos()
	sig = r.Bytes32()
	if err := r.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("decode %s signature: %w", m.Name(), err)
	}
	return m, frame[:bodyLen], sig, nil
}

// ErrorType classifies server-reported errors.
type ErrorType uint32

// Error classes of the Error message.
const (
	ErrorUnknown ErrorType = iota
	ErrorIncompatibleVersion
	ErrorAuthentication
	ErrorAccess
	ErrorKeyIndex
	ErrorClient
	ErrorServer
	ErrorUnexpectedMessage
)

// String returns the class name.
func (t ErrorType) String() string {
	switch t {
	case ErrorIncompatibleVersion:
		return "IncompatibleVersion"
	case ErrorAuthentication:
		return "Authentication"
	case ErrorAccess:
		return "Access"
	case ErrorKeyIndex:
		return "KeyIndex"
	case ErrorClient:
		return "Client"
	case ErrorServer:
		return "Server"
	case ErrorUnexpectedMessage:
		return "UnexpectedMessage"
	default:
		return "Unknown"
	}
}

// Identify opens every connection: the server's challenge nonce and the
// maximum accepted payload size.
type Identify struct {
	Nonce       []byte
	UploadLimit uint32
}

func (*Identify) Name() string { return "Identify" }

func (m *Identify) encodeFields(w *Writer) {
	w.Bytes32(m.Nonce)
	w.Uint32(m.UploadLimit)
}

func (m *Identify) decodeFields(r *Reader) {
	m.Nonce = r.Bytes32()
	m.UploadLimit = r.Uint32()
}

// Register requests a fresh account with a new device. Sent signed.
type Register struct {
	DeviceName  string
	Nonce       []byte
	SignScheme  string
	SignKey     []byte // X.509 SPKI
	CryptScheme string
	CryptKey    []byte // X.509 SPKI
	Cmac        []byte // proof of the initial symmetric key
}

func (*Register) Name() string { return "Register" }

func (m *Register) encodeFields(w *Writer) {
	w.String(m.DeviceName)
	w.Bytes32(m.Nonce)
	w.String(m.SignScheme)
	w.Bytes32(m.SignKey)
	w.String(m.CryptScheme)
	w.Bytes32(m.CryptKey)
	w.Bytes32(m.Cmac)
}

func (m *Register) decodeFields(r *Reader) {
	m.DeviceName = r.String()
	m.Nonce = r.Bytes32()
	m.SignScheme = r.String()
	m.SignKey = r.Bytes32()
	m.CryptScheme = r.String()
	m.CryptKey = r.Bytes32()
	m.Cmac = r.Bytes32()
}

// Access requests to join an existing account via an export from a partner
// device. Sent signed. TrustMac is null for user-approved imports.
type Access struct {
	DeviceName  string
	Nonce       []byte
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	PNonce      []byte
	PartnerID   uuid.UUID
	MacScheme   string
	MacCmac     []byte
	TrustMac    []byte
}

func (*Access) Name() string { return "Access" }

func (m *Access) encodeFields(w *Writer) {
	w.String(m.DeviceName)
	w.Bytes32(m.Nonce)
	w.String(m.SignScheme)
	w.Bytes32(m.SignKey)
	w.String(m.CryptScheme)
	w.Bytes32(m.CryptKey)
	w.Bytes32(m.PNonce)
	w.UUID(m.PartnerID)
	w.String(m.MacScheme)
	w.Bytes32(m.MacCmac)
	w.Bytes32(m.TrustMac)
}

func (m *Access) decodeFields(r *Reader) {
	m.DeviceName = r.String()
	m.Nonce = r.Bytes32()
	m.SignScheme = r.String()
	m.SignKey = r.Bytes32()
	m.CryptScheme = r.String()
	m.CryptKey = r.Bytes32()
	m.PNonce = r.Bytes32()
	m.PartnerID = r.UUID()
	m.MacScheme = r.String()
	m.MacCmac = r.Bytes32()
	m.TrustMac = r.Bytes32()
}

// Login authenticates a known device. Sent signed.
type Login struct {
	DeviceID   uuid.UUID
	DeviceName string
	Nonce      []byte
}

func (*Login) Name() string { return "Login" }

func (m *Login) encodeFields(w *Writer) {
	w.UUID(m.DeviceID)
	w.String(m.DeviceName)
	w.Bytes32(m.Nonce)
}

func (m *Login) decodeFields(r *Reader) {
	m.DeviceID = r.UUID()
	m.DeviceName = r.String()
	m.Nonce = r.Bytes32()
}

// Account confirms a registration with the server-assigned device id.
type Account struct {
	DeviceID uuid.UUID
}

func (*Account) Name() string { return "Account" }

func (m *Account) encodeFields(w *Writer) { w.UUID(m.DeviceID) }

func (m *Account) decodeFields(r *Reader) { m.DeviceID = r.UUID() }

// Grant confirms an account import: the device id plus the current symmetric
// secret encrypted for the new device.
type Grant struct {
	DeviceID uuid.UUID
	KeyIndex uint32
	Scheme   string
	Secret   []byte
}

func (*Grant) Name() string { return "Grant" }

func (m *Grant) encodeFields(w *Writer) {
	w.UUID(m.DeviceID)
	w.Uint32(m.KeyIndex)
	w.String(m.Scheme)
	w.Bytes32(m.Secret)
}

func (m *Grant) decodeFields(r *Reader) {
	m.DeviceID = r.UUID()
	m.KeyIndex = r.Uint32()
	m.Scheme = r.String()
	m.Secret = r.Bytes32()
}

// KeyUpdateEntry is one staged key rotation inside Welcome. Cmac is computed
// with the key immediately preceding Index.
type KeyUpdateEntry struct {
	Index  uint32
	Scheme string
	Cipher []byte
	Cmac   []byte
}

// SignatureData is the byte range covered by the entry's cmac.
func (u KeyUpdateEntry) SignatureData(deviceID uuid.UUID) []byte {
	var w Writer
	w.UUID(deviceID)
	w.Uint32(u.Index)
	w.String(u.Scheme)
	w.Bytes32(u.Cipher)
	return w.Bytes()
}

// Welcome confirms a login and carries any key rotations the device missed.
type Welcome struct {
	HasChanges bool
	KeyUpdates []KeyUpdateEntry
}

func (*Welcome) Name() string { return "Welcome" }

func (m *Welcome) encodeFields(w *Writer) {
	w.Bool(m.HasChanges)
	w.Uint32(uint32(len(m.KeyUpdates)))
	for _, u := range m.KeyUpdates {
		w.Uint32(u.Index)
		w.String(u.Scheme)
		w.Bytes32(u.Cipher)
		w.Bytes32(u.Cmac)
	}
}

func (m *Welcome) decodeFields(r *Reader) {
	m.HasChanges = r.Bool()
	n := r.Uint32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		m.KeyUpdates = append(m.KeyUpdates, KeyUpdateEntry{
			Index:  r.Uint32(),
			Scheme: r.String(),
			Cipher: r.Bytes32(),
			Cmac:   r.Bytes32(),
		})
	}
}

// MacUpdate proves possession of the current symmetric key after a rotation.
type MacUpdate struct {
	KeyIndex uint32
	Cmac     []byte
}

func (*MacUpdate) Name() string { return "MacUpdate" }

func (m *MacUpdate) encodeFields(w *Writer) {
	w.Uint32(m.KeyIndex)
	w.Bytes32(m.Cmac)
}

func (m *MacUpdate) decodeFields(r *Reader) {
	m.KeyIndex = r.Uint32()
	m.Cmac = r.Bytes32()
}

// MacUpdateAck confirms a MacUpdate.
type MacUpdateAck struct{}

func (*MacUpdateAck) Name() string { return "MacUpdateAck" }

func (*MacUpdateAck) encodeFields(*Writer) {}

func (*MacUpdateAck) decodeFields(*Reader) {}

// KeyChange asks the server to start a rotation to NextIndex.
type KeyChange struct {
	NextIndex uint32
}

func (*KeyChange) Name() string { return "KeyChange" }

func (m *KeyChange) encodeFields(w *Writer) { w.Uint32(m.NextIndex) }

func (m *KeyChange) decodeFields(r *Reader) { m.NextIndex = r.Uint32() }

// DeviceKeyEntry is one peer device inside DeviceKeys: its identity, public
// key material and the proof that it possesses the current symmetric key.
type DeviceKeyEntry struct {
	DeviceID    uuid.UUID
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	Cmac        []byte
}

// DeviceKeys answers KeyChange. If Duplicated, the index was already rotated
// and the client only promotes its staged key; otherwise Devices lists the
// peers to re-encrypt the new secret for.
type DeviceKeys struct {
	KeyIndex   uint32
	Duplicated bool
	Devices    []DeviceKeyEntry
}

func (*DeviceKeys) Name() string { return "DeviceKeys" }

func (m *DeviceKeys) encodeFields(w *Writer) {
	w.Uint32(m.KeyIndex)
	w.Bool(m.Duplicated)
	w.Uint32(uint32(len(m.Devices)))
	for _, d := range m.Devices {
		w.UUID(d.DeviceID)
		w.String(d.SignScheme)
		w.Bytes32(d.SignKey)
		w.String(d.CryptScheme)
		w.Bytes32(d.CryptKey)
		w.Bytes32(d.Cmac)
	}
}

func (m *DeviceKeys) decodeFields(r *Reader) {
	m.KeyIndex = r.Uint32()
	m.Duplicated = r.Bool()
	n := r.Uint32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		m.Devices = append(m.Devices, DeviceKeyEntry{
			DeviceID:    r.UUID(),
			SignScheme:  r.String(),
			SignKey:     r.Bytes32(),
			CryptScheme: r.String(),
			CryptKey:    r.Bytes32(),
			Cmac:        r.Bytes32(),
		})
	}
}

// NewKeyEntry carries the rotated secret encrypted for one peer device, with
// a cmac (computed with the previous key) over the update tuple.
type NewKeyEntry struct {
	DeviceID uuid.UUID
	Cipher   []byte
	Cmac     []byte
}

// NewKey publishes a rotated symmetric key for every verified peer device.
type NewKey struct {
	KeyIndex uint32
	Scheme   string
	Devices  []NewKeyEntry
}

func (*NewKey) Name() string { return "NewKey" }

// SignatureData is the byte range covered by an entry's cmac.
func (m *NewKey) SignatureData(e NewKeyEntry) []byte {
	var w Writer
	w.UUID(e.DeviceID)
	w.Uint32(m.KeyIndex)
	w.String(m.Scheme)
	w.Bytes32(e.Cipher)
	return w.Bytes()
}

func (m *NewKey) encodeFields(w *Writer) {
	w.Uint32(m.KeyIndex)
	w.String(m.Scheme)
	w.Uint32(uint32(len(m.Devices)))
	for _, d := range m.Devices {
		w.UUID(d.DeviceID)
		w.Bytes32(d.Cipher)
		w.Bytes32(d.Cmac)
	}
}

func (m *NewKey) decodeFields(r *Reader) {
	m.KeyIndex = r.Uint32()
	m.Scheme = r.String()
	n := r.Uint32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		m.Devices = append(m.Devices, NewKeyEntry{
			DeviceID: r.UUID(),
			Cipher:   r.Bytes32(),
			Cmac:     r.Bytes32(),
		})
	}
}

// NewKeyAck confirms a NewKey; receiving it promotes the staged key.
type NewKeyAck struct {
	KeyIndex uint32
}

func (*NewKeyAck) Name() string { return "NewKeyAck" }

func (m *NewKeyAck) encodeFields(w *Writer) { w.Uint32(m.KeyIndex) }

func (m *NewKeyAck) decodeFields(r *Reader) { m.KeyIndex = r.Uint32() }

// Change uploads one encrypted dataset entry.
type Change struct {
	Type     string
	Key      string
	KeyIndex uint32
	Salt     []byte
	Data     []byte
}

func (*Change) Name() string { return "Change" }

func (m *Change) encodeFields(w *Writer) {
	w.String(m.Type)
	w.String(m.Key)
	w.Uint32(m.KeyIndex)
	w.Bytes32(m.Salt)
	w.Bytes32(m.Data)
}

func (m *Change) decodeFields(r *Reader) {
	m.Type = r.String()
	m.Key = r.String()
	m.KeyIndex = r.Uint32()
	m.Salt = r.Bytes32()
	m.Data = r.Bytes32()
}

// ChangeAck confirms a Change with the server-side data row index.
type ChangeAck struct {
	DataID uint64
}

func (*ChangeAck) Name() string { return "ChangeAck" }

func (m *ChangeAck) encodeFields(w *Writer) { w.Uint64(m.DataID) }

func (m *ChangeAck) decodeFields(r *Reader) { m.DataID = r.Uint64() }

// DeviceChange uploads one entry addressed to a single device, used for the
// payload handoff after granting a login.
type DeviceChange struct {
	Type     string
	Key      string
	DeviceID uuid.UUID
	KeyIndex uint32
	Salt     []byte
	Data     []byte
}

func (*DeviceChange) Name() string { return "DeviceChange" }

func (m *DeviceChange) encodeFields(w *Writer) {
	w.String(m.Type)
	w.String(m.Key)
	w.UUID(m.DeviceID)
	w.Uint32(m.KeyIndex)
	w.Bytes32(m.Salt)
	w.Bytes32(m.Data)
}

func (m *DeviceChange) decodeFields(r *Reader) {
	m.Type = r.String()
	m.Key = r.String()
	m.DeviceID = r.UUID()
	m.KeyIndex = r.Uint32()
	m.Salt = r.Bytes32()
	m.Data = r.Bytes32()
}

// DeviceChangeAck confirms a DeviceChange.
type DeviceChangeAck struct {
	DataID   uint64
	DeviceID uuid.UUID
}

func (*DeviceChangeAck) Name() string { return "DeviceChangeAck" }

func (m *DeviceChangeAck) encodeFields(w *Writer) {
	w.Uint64(m.DataID)
	w.UUID(m.DeviceID)
}

func (m *DeviceChangeAck) decodeFields(r *Reader) {
	m.DataID = r.Uint64()
	m.DeviceID = r.UUID()
}

// Changed streams one pending entry down to a device.
type Changed struct {
	DataIndex uint64
	KeyIndex  uint32
	Salt      []byte
	Data      []byte
}

func (*Changed) Name() string { return "Changed" }

func (m *Changed) encodeFields(w *Writer) {
	w.Uint64(m.DataIndex)
	w.Uint32(m.KeyIndex)
	w.Bytes32(m.Salt)
	w.Bytes32(m.Data)
}

func (m *Changed) decodeFields(r *Reader) {
	m.DataIndex = r.Uint64()
	m.KeyIndex = r.Uint32()
	m.Salt = r.Bytes32()
	m.Data = r.Bytes32()
}

// ChangedInfo opens a download: the estimated change count plus the first
// entry.
type ChangedInfo struct {
	ChangeEstimate uint32
	Changed
}

func (*ChangedInfo) Name() string { return "ChangedInfo" }

func (m *ChangedInfo) encodeFields(w *Writer) {
	w.Uint32(m.ChangeEstimate)
	m.Changed.encodeFields(w)
}

func (m *ChangedInfo) decodeFields(r *Reader) {
	m.ChangeEstimate = r.Uint32()
	m.Changed.decodeFields(r)
}

// ChangedAck confirms one downloaded entry; the server drops its pending
// state.
type ChangedAck struct {
	DataIndex uint64
}

func (*ChangedAck) Name() string { return "ChangedAck" }

func (m *ChangedAck) encodeFields(w *Writer) { w.Uint64(m.DataIndex) }

func (m *ChangedAck) decodeFields(r *Reader) { m.DataIndex = r.Uint64() }

// LastChanged terminates a download stream.
type LastChanged struct{}

func (*LastChanged) Name() string { return "LastChanged" }

func (*LastChanged) encodeFields(*Writer) {}

func (*LastChanged) decodeFields(*Reader) {}

// Sync asks the server to restream all pending changes.
type Sync struct{}

func (*Sync) Name() string { return "Sync" }

func (*Sync) encodeFields(*Writer) {}

func (*Sync) decodeFields(*Reader) {}

// ListDevices requests the account's device list.
type ListDevices struct{}

func (*ListDevices) Name() string { return "ListDevices" }

func (*ListDevices) encodeFields(*Writer) {}

func (*ListDevices) decodeFields(*Reader) {}

// DeviceEntry is one device of the account as reported by the server.
type DeviceEntry struct {
	DeviceID    uuid.UUID
	Name        string
	Fingerprint []byte
}

// Devices answers ListDevices.
type Devices struct {
	Devices []DeviceEntry
}

func (*Devices) Name() string { return "Devices" }

func (m *Devices) encodeFields(w *Writer) {
	w.Uint32(uint32(len(m.Devices)))
	for _, d := range m.Devices {
		w.UUID(d.DeviceID)
		w.String(d.Name)
		w.Bytes32(d.Fingerprint)
	}
}

func (m *Devices) decodeFields(r *Reader) {
	n := r.Uint32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		m.Devices = append(m.Devices, DeviceEntry{
			DeviceID:    r.UUID(),
			Name:        r.String(),
			Fingerprint: r.Bytes32(),
		})
	}
}

// Remove asks the server to drop a device from the account.
type Remove struct {
	DeviceID uuid.UUID
}

func (*Remove) Name() string { return "Remove" }

func (m *Remove) encodeFields(w *Writer) { w.UUID(m.DeviceID) }

func (m *Remove) decodeFields(r *Reader) { m.DeviceID = r.UUID() }

// Removed reports a dropped device.
type Removed struct {
	DeviceID uuid.UUID
}

func (*Removed) Name() string { return "Removed" }

func (m *Removed) encodeFields(w *Writer) { w.UUID(m.DeviceID) }

func (m *Removed) decodeFields(r *Reader) { m.DeviceID = r.UUID() }

// Proof forwards an Access request to the export partner for approval.
type Proof struct {
	PNonce      []byte
	PartnerID   uuid.UUID
	DeviceID    uuid.UUID
	DeviceName  string
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	MacScheme   string
	Cmac        []byte
	TrustMac    []byte
}

func (*Proof) Name() string { return "Proof" }

func (m *Proof) encodeFields(w *Writer) {
	w.Bytes32(m.PNonce)
	w.UUID(m.PartnerID)
	w.UUID(m.DeviceID)
	w.String(m.DeviceName)
	w.String(m.SignScheme)
	w.Bytes32(m.SignKey)
	w.String(m.CryptScheme)
	w.Bytes32(m.CryptKey)
	w.String(m.MacScheme)
	w.Bytes32(m.Cmac)
	w.Bytes32(m.TrustMac)
}

func (m *Proof) decodeFields(r *Reader) {
	m.PNonce = r.Bytes32()
	m.PartnerID = r.UUID()
	m.DeviceID = r.UUID()
	m.DeviceName = r.String()
	m.SignScheme = r.String()
	m.SignKey = r.Bytes32()
	m.CryptScheme = r.String()
	m.CryptKey = r.Bytes32()
	m.MacScheme = r.String()
	m.Cmac = r.Bytes32()
	m.TrustMac = r.Bytes32()
}

// Accept grants a proofed Access request, carrying the symmetric secret
// encrypted for the new device.
type Accept struct {
	DeviceID uuid.UUID
	KeyIndex uint32
	Scheme   string
	Secret   []byte
}

func (*Accept) Name() string { return "Accept" }

func (m *Accept) encodeFields(w *Writer) {
	w.UUID(m.DeviceID)
	w.Uint32(m.KeyIndex)
	w.String(m.Scheme)
	w.Bytes32(m.Secret)
}

func (m *Accept) decodeFields(r *Reader) {
	m.DeviceID = r.UUID()
	m.KeyIndex = r.Uint32()
	m.Scheme = r.String()
	m.Secret = r.Bytes32()
}

// Deny rejects a proofed Access request.
type Deny struct {
	DeviceID uuid.UUID
}

func (*Deny) Name() string { return "Deny" }

func (m *Deny) encodeFields(w *Writer) { w.UUID(m.DeviceID) }

func (m *Deny) decodeFields(r *Reader) { m.DeviceID = r.UUID() }

// Error reports a failure to the peer. CanRecover distinguishes reconnect
// from user intervention.
type Error struct {
	Type       ErrorType
	Message    string
	CanRecover bool
}

func (*Error) Name() string { return "Error" }

func (m *Error) encodeFields(w *Writer) {
	w.Uint32(uint32(m.Type))
	w.String(m.Message)
	w.Bool(m.CanRecover)
}

func (m *Error) decodeFields(r *Reader) {
	m.Type = ErrorType(r.Uint32())
	m.Message = r.String()
	m.CanRecover = r.Bool()
}
