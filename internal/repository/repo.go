// Package repository defines the persistence interface of the server's
// database controller.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/devsync/internal/model"
)

// Envelope is the encrypted payload persisted per data row. It is stored as
// a JSON document; the server never sees plaintext.
type Envelope struct {
	KeyIndex uint32 `json:"keyIndex"`
	Salt     []byte `json:"salt"`
	Data     []byte `json:"data"`
}

// DatabaseController is the transactional persistence surface of the sync
// server. Implementations must keep each operation atomic: any failing step
// rolls the whole transaction back.
type DatabaseController interface {
	// CreateIdentity inserts a new user plus its first device atomically and
	// returns the new user id. The device's numeric ID is filled in.
	CreateIdentity(ctx context.Context, device *model.Device) (uuid.UUID, error)

	// Identify verifies the user exists and upserts the device row. The
	// device's numeric ID is filled in. Identifying a device for a missing
	// user fails with ErrNotFound.
	Identify(ctx context.Context, userID uuid.UUID, device *model.Device) error

	// DeviceByID loads a registered device by its client-visible id.
	DeviceByID(ctx context.Context, deviceID uuid.UUID) (*model.Device, error)

	// UpdateDeviceName renames a device.
	UpdateDeviceName(ctx context.Context, devicePK int64, name string) error

	// SaveData upserts one data row for (user, type, key) and enqueues a
	// pending state for every other device of the user. Returns the row
	// index. Replays of the same change are idempotent.
	SaveData(ctx context.Context, userID uuid.UUID, writerDeviceID uuid.UUID, typ, key string, env Envelope) (uint64, error)

	// SaveDeviceData upserts one data row and enqueues a pending state for a
	// single target device only.
	SaveDeviceData(ctx context.Context, userID, targetDeviceID uuid.UUID, typ, key string, env Envelope) (uint64, error)

	// PendingChanges lists the data rows still queued for a device, ordered
	// by index.
	PendingChanges(ctx context.Context, devicePK int64) ([]model.PendingChange, error)

	// PendingCount reports how many rows are queued for a device.
	PendingCount(ctx context.Context, devicePK int64) (uint32, error)

	// MarkAcked removes one pending state after the device confirmed it.
	MarkAcked(ctx context.Context, devicePK int64, dataIndex uint64) error

	// ListDevices returns all devices of a user.
	ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error)

	// RemoveDevice drops a device (and its queues); the user is removed once
	// the last device is gone.
	RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID) error

	// UserKeyIndex returns the user's current symmetric key index.
	UserKeyIndex(ctx context.Context, userID uuid.UUID) (uint32, error)

	// StoreNewKey records a key rotation: the new index on the user plus the
	// per-device encrypted key updates.
	StoreNewKey(ctx context.Context, userID uuid.UUID, keyIndex uint32, scheme string, updates map[uuid.UUID]model.KeyChange) error

	// PendingKeyChanges lists the staged key updates for a device, ordered by
	// index.
	PendingKeyChanges(ctx context.Context, devicePK int64) ([]model.KeyChange, error)

	// UpdateDeviceMac stores a device's latest key-possession proof and drops
	// its staged key updates up to that index.
	UpdateDeviceMac(ctx context.Context, devicePK int64, keyIndex uint32, mac []byte) error
}
