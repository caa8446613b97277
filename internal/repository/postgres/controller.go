package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/devsync/internal/errs"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/repository"
)

// Controller implements repository.DatabaseController using PostgreSQL.
type Controller struct{ db *DB }

// NewController constructs a database controller.
func NewController(db *DB) *Controller { return &Controller{db: db} }

// finishTx is the shared rollback-or-commit epilogue.
func finishTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	if e := tx.Commit(ctx); e != nil {
		*err = e
	}
}

// CreateIdentity inserts a new user plus its first device atomically.
func (c *Controller) CreateIdentity(ctx context.Context, device *model.Device) (id uuid.UUID, err error) {
	identity, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return uuid.Nil, err
	}
	defer finishTx(ctx, tx, &err)

	const insUser = `INSERT INTO users (identity, keycount) VALUES ($1, 0)`
	if _, err = tx.Exec(ctx, insUser, identity); err != nil {
		return uuid.Nil, fmt.Errorf("create user identity: %w", err)
	}
	const insDevice = `
INSERT INTO devices (device_id, user_id, name, sign_scheme, sign_key, crypt_scheme, crypt_key, fingerprint, key_mac)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id`
	row := tx.QueryRow(ctx, insDevice,
		device.DeviceID, identity, device.Name,
		device.SignScheme, device.SignKey,
		device.CryptScheme, device.CryptKey,
		device.Fingerprint, device.KeyMac)
	if err = row.Scan(&device.ID); err != nil {
		return uuid.Nil, fmt.Errorf("create device: %w", err)
	}
	device.UserID = identity
	return identity, nil
}

// Identify verifies the user exists and upserts the device row.
func (c *Controller) Identify(ctx context.Context, userID uuid.UUID, device *model.Device) (err error) {
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer finishTx(ctx, tx, &err)

	const checkUser = `SELECT EXISTS(SELECT identity FROM users WHERE identity = $1)`
	var exists bool
	if err = tx.QueryRow(ctx, checkUser, userID).Scan(&exists); err != nil {
		return fmt.Errorf("identify user: %w", err)
	}
	if !exists {
		err = fmt.Errorf("identify user %s: %w", userID, errs.ErrNotFound)
		return err
	}

	const insDevice = `
INSERT INTO devices (device_id, user_id, name, sign_scheme, sign_key, crypt_scheme, crypt_key, fingerprint, key_mac)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT ON CONSTRAINT device_id DO UPDATE SET name = EXCLUDED.name
RETURNING id`
	row := tx.QueryRow(ctx, insDevice,
		device.DeviceID, userID, device.Name,
		device.SignScheme, device.SignKey,
		device.CryptScheme, device.CryptKey,
		device.Fingerprint, device.KeyMac)
	if err = row.Scan(&device.ID); err != nil {
		return fmt.Errorf("identify device: %w", err)
	}
	device.UserID = userID
	return nil
}

// DeviceByID loads a registered device by its client-visible id.
func (c *Controller) DeviceByID(ctx context.Context, deviceID uuid.UUID) (*model.Device, error) {
	const q = `
SELECT id, device_id, user_id, name, sign_scheme, sign_key, crypt_scheme, crypt_key, fingerprint, key_mac
FROM devices WHERE device_id = $1`
	var d model.Device
	err := c.db.Pool.QueryRow(ctx, q, deviceID).Scan(
		&d.ID, &d.DeviceID, &d.UserID, &d.Name,
		&d.SignScheme, &d.SignKey, &d.CryptScheme, &d.CryptKey,
		&d.Fingerprint, &d.KeyMac)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDeviceName renames a device.
func (c *Controller) UpdateDeviceName(ctx context.Context, devicePK int64, name string) error {
	const q = `UPDATE devices SET name = $2 WHERE id = $1`
	_, err := c.db.Pool.Exec(ctx, q, devicePK, name)
	return err
}

func marshalEnvelope(env repository.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode data envelope: %w", err)
	}
	return raw, nil
}

// SaveData upserts a data row and enqueues a pending state for every other
// device of the user.
func (c *Controller) SaveData(ctx context.Context, userID, writerDeviceID uuid.UUID, typ, key string, env repository.Envelope) (index uint64, err error) {
	raw, err := marshalEnvelope(env)
	if err != nil {
		return 0, err
	}
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer finishTx(ctx, tx, &err)

	index, err = upsertData(ctx, tx, userID, typ, key, raw)
	if err != nil {
		return 0, err
	}

	const updateStates = `
INSERT INTO states (data_index, device_id)
SELECT $1, id FROM devices
WHERE user_id = $2 AND device_id != $3
ON CONFLICT DO NOTHING`
	if _, err = tx.Exec(ctx, updateStates, index, userID, writerDeviceID); err != nil {
		return 0, fmt.Errorf("update device states: %w", err)
	}
	return index, nil
}

// SaveDeviceData upserts a data row and enqueues a pending state for a
// single target device.
func (c *Controller) SaveDeviceData(ctx context.Context, userID, targetDeviceID uuid.UUID, typ, key string, env repository.Envelope) (index uint64, err error) {
	raw, err := marshalEnvelope(env)
	if err != nil {
		return 0, err
	}
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer finishTx(ctx, tx, &err)

	index, err = upsertData(ctx, tx, userID, typ, key, raw)
	if err != nil {
		return 0, err
	}

	const updateState = `
INSERT INTO states (data_index, device_id)
SELECT $1, id FROM devices
WHERE user_id = $2 AND device_id = $3
ON CONFLICT DO NOTHING`
	if _, err = tx.Exec(ctx, updateState, index, userID, targetDeviceID); err != nil {
		return 0, fmt.Errorf("update device state: %w", err)
	}
	return index, nil
}

// upsertData writes one (user, type, key) row and returns its index.
func upsertData(ctx context.Context, tx pgx.Tx, userID uuid.UUID, typ, key string, raw []byte) (uint64, error) {
	const getID = `SELECT index FROM data WHERE user_id = $1 AND type = $2 AND key = $3`
	var index uint64
	scanErr := tx.QueryRow(ctx, getID, userID, typ, key).Scan(&index)
	switch {
	case scanErr == nil:
		const upd = `UPDATE data SET data = $2 WHERE index = $1`
		if _, err := tx.Exec(ctx, upd, index, raw); err != nil {
			return 0, fmt.Errorf("update data: %w", err)
		}
		return index, nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		const ins = `INSERT INTO data (user_id, type, key, data) VALUES ($1,$2,$3,$4) RETURNING index`
		if err := tx.QueryRow(ctx, ins, userID, typ, key, raw).Scan(&index); err != nil {
			return 0, fmt.Errorf("insert data: %w", err)
		}
		return index, nil
	default:
		return 0, fmt.Errorf("check data exists: %w", scanErr)
	}
}

// PendingChanges lists the data rows still queued for a device.
func (c *Controller) PendingChanges(ctx context.Context, devicePK int64) ([]model.PendingChange, error) {
	const q = `
SELECT d.index, d.data
FROM states s
JOIN data d ON d.index = s.data_index
WHERE s.device_id = $1
ORDER BY d.index ASC`
	rows, err := c.db.Pool.Query(ctx, q, devicePK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingChange
	for rows.Next() {
		var (
			index uint64
			raw   []byte
		)
		if err = rows.Scan(&index, &raw); err != nil {
			return nil, err
		}
		var env repository.Envelope
		if err = json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode data envelope %d: %w", index, err)
		}
		out = append(out, model.PendingChange{
			DataIndex: index,
			KeyIndex:  env.KeyIndex,
			Salt:      env.Salt,
			Data:      env.Data,
		})
	}
	return out, rows.Err()
}

// PendingCount reports how many rows are queued for a device.
func (c *Controller) PendingCount(ctx context.Context, devicePK int64) (uint32, error) {
	const q = `SELECT COUNT(*) FROM states WHERE device_id = $1`
	var n uint32
	if err := c.db.Pool.QueryRow(ctx, q, devicePK).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// MarkAcked removes one pending state after the device confirmed it.
func (c *Controller) MarkAcked(ctx context.Context, devicePK int64, dataIndex uint64) error {
	const q = `DELETE FROM states WHERE data_index = $1 AND device_id = $2`
	_, err := c.db.Pool.Exec(ctx, q, dataIndex, devicePK)
	return err
}

// ListDevices returns all devices of a user.
func (c *Controller) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	const q = `
SELECT id, device_id, user_id, name, sign_scheme, sign_key, crypt_scheme, crypt_key, fingerprint, key_mac
FROM devices WHERE user_id = $1
ORDER BY id ASC`
	rows, err := c.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err = rows.Scan(&d.ID, &d.DeviceID, &d.UserID, &d.Name,
			&d.SignScheme, &d.SignKey, &d.CryptScheme, &d.CryptKey,
			&d.Fingerprint, &d.KeyMac); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveDevice drops a device; the user goes with the last device.
func (c *Controller) RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID) (err error) {
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer finishTx(ctx, tx, &err)

	const delDevice = `DELETE FROM devices WHERE user_id = $1 AND device_id = $2`
	tag, err := tx.Exec(ctx, delDevice, userID, deviceID)
	if err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("remove device %s: %w", deviceID, errs.ErrNotFound)
		return err
	}
	const delUser = `
DELETE FROM users WHERE identity = $1
AND NOT EXISTS (SELECT 1 FROM devices WHERE user_id = $1)`
	if _, err = tx.Exec(ctx, delUser, userID); err != nil {
		return fmt.Errorf("remove orphaned user: %w", err)
	}
	return nil
}

// UserKeyIndex returns the user's current symmetric key index.
func (c *Controller) UserKeyIndex(ctx context.Context, userID uuid.UUID) (uint32, error) {
	const q = `SELECT keycount FROM users WHERE identity = $1`
	var n uint32
	err := c.db.Pool.QueryRow(ctx, q, userID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// StoreNewKey records a key rotation atomically.
func (c *Controller) StoreNewKey(ctx context.Context, userID uuid.UUID, keyIndex uint32, scheme string, updates map[uuid.UUID]model.KeyChange) (err error) {
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer finishTx(ctx, tx, &err)

	const updUser = `UPDATE users SET keycount = $2 WHERE identity = $1 AND keycount < $2`
	tag, err := tx.Exec(ctx, updUser, userID, keyIndex)
	if err != nil {
		return fmt.Errorf("update key index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("key index %d already used: %w", keyIndex, errs.ErrKeyIndex)
		return err
	}

	const insChange = `
INSERT INTO keychanges (device_id, key_index, scheme, cipher, mac)
SELECT id, $3, $4, $5, $6 FROM devices
WHERE user_id = $1 AND device_id = $2
ON CONFLICT DO NOTHING`
	for deviceID, update := range updates {
		if _, err = tx.Exec(ctx, insChange, userID, deviceID, keyIndex, scheme, update.Cipher, update.Mac); err != nil {
			return fmt.Errorf("stage key change for %s: %w", deviceID, err)
		}
	}
	return nil
}

// PendingKeyChanges lists the staged key updates for a device.
func (c *Controller) PendingKeyChanges(ctx context.Context, devicePK int64) ([]model.KeyChange, error) {
	const q = `
SELECT key_index, scheme, cipher, mac
FROM keychanges WHERE device_id = $1
ORDER BY key_index ASC`
	rows, err := c.db.Pool.Query(ctx, q, devicePK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KeyChange
	for rows.Next() {
		var kc model.KeyChange
		if err = rows.Scan(&kc.KeyIndex, &kc.Scheme, &kc.Cipher, &kc.Mac); err != nil {
			return nil, err
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

// UpdateDeviceMac stores a device's latest key proof and drops consumed key
// updates.
func (c *Controller) UpdateDeviceMac(ctx context.Context, devicePK int64, keyIndex uint32, mac []byte) (err error) {
	tx, err := c.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer finishTx(ctx, tx, &err)

	const updMac = `UPDATE devices SET key_mac = $2 WHERE id = $1`
	if _, err = tx.Exec(ctx, updMac, devicePK, mac); err != nil {
		return fmt.Errorf("update device mac: %w", err)
	}
	const delChanges = `DELETE FROM keychanges WHERE device_id = $1 AND key_index <= $2`
	if _, err = tx.Exec(ctx, delChanges, devicePK, keyIndex); err != nil {
		return fmt.Errorf("drop consumed key changes: %w", err)
	}
	return nil
}
