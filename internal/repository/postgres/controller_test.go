package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/devsync/internal/errs"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/repository"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func testEnvelope() repository.Envelope {
	return repository.Envelope{KeyIndex: 8, Salt: []byte("salt"), Data: []byte("cipher")}
}

func TestSaveData_InsertFansOut(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	writerID := uuid.Must(uuid.NewV4())
	env := testEnvelope()
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT index FROM data WHERE user_id = \$1 AND type = \$2 AND key = \$3`).
		WithArgs(userID, "todo", "42").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO data \(user_id, type, key, data\) VALUES \(\$1,\$2,\$3,\$4\) RETURNING index`).
		WithArgs(userID, "todo", "42", raw).
		WillReturnRows(pgxmock.NewRows([]string{"index"}).AddRow(uint64(7)))
	mock.ExpectExec(`INSERT INTO states \(data_index, device_id\)`).
		WithArgs(uint64(7), userID, writerID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	index, err := c.SaveData(ctx, userID, writerID, "todo", "42", env)
	require.NoError(t, err)
	require.Equal(t, uint64(7), index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveData_UpdateExisting(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	writerID := uuid.Must(uuid.NewV4())
	env := testEnvelope()
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT index FROM data WHERE user_id = \$1 AND type = \$2 AND key = \$3`).
		WithArgs(userID, "todo", "42").
		WillReturnRows(pgxmock.NewRows([]string{"index"}).AddRow(uint64(7)))
	mock.ExpectExec(`UPDATE data SET data = \$2 WHERE index = \$1`).
		WithArgs(uint64(7), raw).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO states \(data_index, device_id\)`).
		WithArgs(uint64(7), userID, writerID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	index, err := c.SaveData(ctx, userID, writerID, "todo", "42", env)
	require.NoError(t, err)
	require.Equal(t, uint64(7), index)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveData_RollbackOnStateFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	writerID := uuid.Must(uuid.NewV4())
	env := testEnvelope()
	raw, _ := json.Marshal(env)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT index FROM data`).
		WithArgs(userID, "todo", "42").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO data`).
		WithArgs(userID, "todo", "42", raw).
		WillReturnRows(pgxmock.NewRows([]string{"index"}).AddRow(uint64(7)))
	mock.ExpectExec(`INSERT INTO states`).
		WithArgs(uint64(7), userID, writerID).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := c.SaveData(ctx, userID, writerID, "todo", "42", env)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIdentity_RollbackOnDeviceFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	device := &model.Device{
		DeviceID:    uuid.Must(uuid.NewV4()),
		Name:        "host-1",
		SignScheme:  "s",
		SignKey:     []byte("sk"),
		CryptScheme: "c",
		CryptKey:    []byte("ck"),
		Fingerprint: []byte("fp"),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users \(identity, keycount\) VALUES \(\$1, 0\)`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`INSERT INTO devices`).
		WithArgs(device.DeviceID, pgxmock.AnyArg(), device.Name,
			device.SignScheme, device.SignKey,
			device.CryptScheme, device.CryptKey,
			device.Fingerprint, device.KeyMac).
		WillReturnError(errors.New("constraint violated"))
	mock.ExpectRollback()

	_, err := c.CreateIdentity(context.Background(), device)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentify_UnknownUserFails(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS\(SELECT identity FROM users WHERE identity = \$1\)`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := c.Identify(context.Background(), userID, &model.Device{DeviceID: uuid.Must(uuid.NewV4())})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAcked(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	mock.ExpectExec(`DELETE FROM states WHERE data_index = \$1 AND device_id = \$2`).
		WithArgs(uint64(7), int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, c.MarkAcked(context.Background(), 3, 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingChanges_DecodesEnvelope(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	env := testEnvelope()
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT d.index, d.data`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"index", "data"}).AddRow(uint64(7), raw))

	changes, err := c.PendingChanges(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []model.PendingChange{{
		DataIndex: 7,
		KeyIndex:  env.KeyIndex,
		Salt:      env.Salt,
		Data:      env.Data,
	}}, changes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserKeyIndex_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectQuery(`SELECT keycount FROM users WHERE identity = \$1`).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)

	_, err := c.UserKeyIndex(context.Background(), userID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStoreNewKey_RejectsReusedIndex(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	userID := uuid.Must(uuid.NewV4())
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET keycount = \$2 WHERE identity = \$1 AND keycount < \$2`).
		WithArgs(userID, uint32(8)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := c.StoreNewKey(context.Background(), userID, 8, "XCHACHA20-POLY1305", nil)
	require.ErrorIs(t, err, errs.ErrKeyIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveDevice_DropsOrphanedUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	c := NewController(db)

	userID := uuid.Must(uuid.NewV4())
	deviceID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM devices WHERE user_id = \$1 AND device_id = \$2`).
		WithArgs(userID, deviceID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM users WHERE identity = \$1`).
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, c.RemoveDevice(context.Background(), userID, deviceID))
	require.NoError(t, mock.ExpectationsWereMet())
}
