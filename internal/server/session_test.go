package server

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/crypto"
	"github.com/and161185/devsync/internal/cryptoctrl"
	"github.com/and161185/devsync/internal/keystore"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/settings"
	"github.com/and161185/devsync/internal/transport"
	"github.com/and161185/devsync/internal/wire"
)

const testTimeout = 10 * time.Second

// rawClient drives a session with hand-built frames.
type rawClient struct {
	ctrl *cryptoctrl.Controller
	conn transport.Conn
}

func newRawClient(t *testing.T, srv *Server, ctx context.Context) *rawClient {
	t.Helper()
	client, serverEnd := transport.Pair()
	srv.Serve(ctx, serverEnd, "127.0.0.1")

	registry := keystore.NewRegistry()
	registry.Register("memory", keystore.MemoryProvider(keystore.NewMemoryStore()))
	ctrl := cryptoctrl.New(zap.NewNop(), cryptoctrl.Config{Provider: "memory", RSABits: 2048},
		registry, settings.New(settings.NewMemoryBackend()))
	require.NoError(t, ctrl.Initialize())
	require.NoError(t, ctrl.AcquireStore())
	return &rawClient{ctrl: ctrl, conn: client}
}

func (c *rawClient) recv(t *testing.T) wire.Message {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	deadline := time.After(testTimeout)
	for {
		ch := make(chan result, 1)
		go func() {
			data, err := c.conn.Receive()
			ch <- result{data, err}
		}()
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			if wire.IsPing(r.data) {
				continue
			}
			m, err := wire.Unmarshal(r.data)
			require.NoError(t, err)
			return m
		case <-deadline:
			t.Fatal("no frame within timeout")
			return nil
		}
	}
}

func (c *rawClient) send(t *testing.T, m wire.Message) {
	t.Helper()
	require.NoError(t, c.conn.Send(wire.Marshal(m)))
}

func (c *rawClient) sendSigned(t *testing.T, m wire.Message) {
	t.Helper()
	frame, err := c.ctrl.SerializeSignedMessage(m)
	require.NoError(t, err)
	require.NoError(t, c.conn.Send(frame))
}

// register performs the full registration handshake and returns the assigned
// device id.
func (c *rawClient) register(t *testing.T, name string) uuid.UUID {
	t.Helper()
	identify, ok := c.recv(t).(*wire.Identify)
	require.True(t, ok)
	require.Len(t, identify.Nonce, nonceSize)

	require.NoError(t, c.ctrl.CreatePrivateKeys(identify.Nonce))
	signKey, err := c.ctrl.SignPublic()
	require.NoError(t, err)
	cryptKey, err := c.ctrl.CryptPublic()
	require.NoError(t, err)
	cmac, err := c.ctrl.GenerateEncryptionKeyCmac()
	require.NoError(t, err)

	c.sendSigned(t, &wire.Register{
		DeviceName:  name,
		Nonce:       identify.Nonce,
		SignScheme:  c.ctrl.SignScheme(),
		SignKey:     signKey,
		CryptScheme: c.ctrl.CryptScheme(),
		CryptKey:    cryptKey,
		Cmac:        cmac,
	})
	account, ok := c.recv(t).(*wire.Account)
	require.True(t, ok)
	return account.DeviceID
}

// login performs the login handshake for an already registered controller.
func (c *rawClient) login(t *testing.T, deviceID uuid.UUID, name string) *wire.Welcome {
	t.Helper()
	identify, ok := c.recv(t).(*wire.Identify)
	require.True(t, ok)
	c.sendSigned(t, &wire.Login{DeviceID: deviceID, DeviceName: name, Nonce: identify.Nonce})
	welcome, ok := c.recv(t).(*wire.Welcome)
	require.True(t, ok)
	return welcome
}

func newTestServer(t *testing.T) (*Server, *fakeDB, context.Context) {
	t.Helper()
	db := newFakeDB()
	srv := New(zap.NewNop(), Config{UploadLimit: 4096}, db, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return srv, db, ctx
}

func TestSession_RegisterCreatesIdentity(t *testing.T) {
	srv, db, ctx := newTestServer(t)
	client := newRawClient(t, srv, ctx)

	deviceID := client.register(t, "host-1")
	require.NotEqual(t, uuid.Nil, deviceID)

	device, err := db.DeviceByID(context.Background(), deviceID)
	require.NoError(t, err)
	require.Equal(t, "host-1", device.Name)
	require.NotEmpty(t, device.Fingerprint)
	require.NotEmpty(t, device.KeyMac)
}

func TestSession_ReLogin(t *testing.T) {
	srv, _, ctx := newTestServer(t)
	a := newRawClient(t, srv, ctx)
	aID := a.register(t, "host-a")
	require.NoError(t, a.conn.Close())

	clientConn, serverEnd := transport.Pair()
	srv.Serve(ctx, serverEnd, "127.0.0.1")
	a2 := &rawClient{ctrl: a.ctrl, conn: clientConn}

	welcome := a2.login(t, aID, "host-a")
	require.False(t, welcome.HasChanges)
	require.Empty(t, welcome.KeyUpdates)
}

func TestSession_LoginUnknownDeviceFails(t *testing.T) {
	srv, _, ctx := newTestServer(t)
	client := newRawClient(t, srv, ctx)

	identify, ok := client.recv(t).(*wire.Identify)
	require.True(t, ok)
	require.NoError(t, client.ctrl.CreatePrivateKeys(identify.Nonce))

	client.sendSigned(t, &wire.Login{
		DeviceID:   uuid.Must(uuid.NewV4()),
		DeviceName: "ghost",
		Nonce:      identify.Nonce,
	})
	errMsg, ok := client.recv(t).(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.ErrorAuthentication, errMsg.Type)
	require.False(t, errMsg.CanRecover)
}

func TestSession_LoginWrongNonceFails(t *testing.T) {
	srv, _, ctx := newTestServer(t)
	a := newRawClient(t, srv, ctx)
	deviceID := a.register(t, "host-1")

	b := &rawClient{ctrl: a.ctrl}
	clientConn, serverEnd := transport.Pair()
	b.conn = clientConn
	srv.Serve(ctx, serverEnd, "127.0.0.1")

	_, ok := b.recv(t).(*wire.Identify)
	require.True(t, ok)
	b.sendSigned(t, &wire.Login{DeviceID: deviceID, DeviceName: "host-1", Nonce: []byte("stale")})
	errMsg, ok := b.recv(t).(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.ErrorAuthentication, errMsg.Type)
}

func TestSession_ChangeFanOutAndAck(t *testing.T) {
	srv, db, ctx := newTestServer(t)

	// device A registers, device B joins the same user directly in the DB
	a := newRawClient(t, srv, ctx)
	aID := a.register(t, "host-a")
	aDevice, err := db.DeviceByID(context.Background(), aID)
	require.NoError(t, err)

	b := newRawClient(t, srv, ctx)
	identify, ok := b.recv(t).(*wire.Identify)
	require.True(t, ok)
	require.NoError(t, b.ctrl.CreatePrivateKeys(identify.Nonce))
	bSign, err := b.ctrl.SignPublic()
	require.NoError(t, err)
	bCrypt, err := b.ctrl.CryptPublic()
	require.NoError(t, err)
	bID := uuid.Must(uuid.NewV4())
	require.NoError(t, db.Identify(context.Background(), aDevice.UserID, &model.Device{
		DeviceID:    bID,
		Name:        "host-b",
		SignScheme:  b.ctrl.SignScheme(),
		SignKey:     bSign,
		CryptScheme: b.ctrl.CryptScheme(),
		CryptKey:    bCrypt,
		Fingerprint: crypto.Fingerprint(b.ctrl.SignScheme(), bSign, b.ctrl.CryptScheme(), bCrypt),
	}))
	b.sendSigned(t, &wire.Login{DeviceID: bID, DeviceName: "host-b", Nonce: identify.Nonce})
	welcome, ok := b.recv(t).(*wire.Welcome)
	require.True(t, ok)
	require.False(t, welcome.HasChanges)

	// A uploads one change
	a.send(t, &wire.Change{Type: "todo", Key: "42", KeyIndex: 0, Salt: []byte("salt"), Data: []byte("cipher")})
	ack, ok := a.recv(t).(*wire.ChangeAck)
	require.True(t, ok)

	// B receives the live stream
	info, ok := b.recv(t).(*wire.ChangedInfo)
	require.True(t, ok)
	require.Equal(t, uint32(1), info.ChangeEstimate)
	require.Equal(t, ack.DataID, info.DataIndex)
	require.Equal(t, []byte("cipher"), info.Data)
	_, ok = b.recv(t).(*wire.LastChanged)
	require.True(t, ok)

	// B acknowledges: the pending state disappears
	b.send(t, &wire.ChangedAck{DataIndex: info.DataIndex})
	require.Eventually(t, func() bool {
		bDevice, err := db.DeviceByID(context.Background(), bID)
		if err != nil {
			return false
		}
		count, err := db.PendingCount(context.Background(), bDevice.ID)
		return err == nil && count == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestSession_KeyChangeFlow(t *testing.T) {
	srv, _, ctx := newTestServer(t)
	a := newRawClient(t, srv, ctx)
	a.register(t, "host-a")

	// rotation to index 1: no peers with proofs yet
	a.send(t, &wire.KeyChange{NextIndex: 1})
	keys, ok := a.recv(t).(*wire.DeviceKeys)
	require.True(t, ok)
	require.False(t, keys.Duplicated)
	require.Equal(t, uint32(1), keys.KeyIndex)
	require.Empty(t, keys.Devices)

	a.send(t, &wire.NewKey{KeyIndex: 1, Scheme: "XCHACHA20-POLY1305"})
	ack, ok := a.recv(t).(*wire.NewKeyAck)
	require.True(t, ok)
	require.Equal(t, uint32(1), ack.KeyIndex)

	// repeating the same rotation is reported as duplicated
	a.send(t, &wire.KeyChange{NextIndex: 1})
	keys, ok = a.recv(t).(*wire.DeviceKeys)
	require.True(t, ok)
	require.True(t, keys.Duplicated)
	require.Equal(t, uint32(1), keys.KeyIndex)

	// skipping ahead is rejected as a fatal key index error
	a.send(t, &wire.KeyChange{NextIndex: 5})
	errMsg, ok := a.recv(t).(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.ErrorKeyIndex, errMsg.Type)
	require.False(t, errMsg.CanRecover)
}

func TestSession_MacUpdateStoresProof(t *testing.T) {
	srv, db, ctx := newTestServer(t)
	a := newRawClient(t, srv, ctx)
	aID := a.register(t, "host-a")

	a.send(t, &wire.MacUpdate{KeyIndex: 0, Cmac: []byte("proof")})
	_, ok := a.recv(t).(*wire.MacUpdateAck)
	require.True(t, ok)

	device, err := db.DeviceByID(context.Background(), aID)
	require.NoError(t, err)
	require.Equal(t, []byte("proof"), device.KeyMac)
}

func TestSession_RemoveOwnDeviceClosesSession(t *testing.T) {
	srv, db, ctx := newTestServer(t)
	a := newRawClient(t, srv, ctx)
	aID := a.register(t, "host-a")

	a.send(t, &wire.Remove{DeviceID: aID})
	removed, ok := a.recv(t).(*wire.Removed)
	require.True(t, ok)
	require.Equal(t, aID, removed.DeviceID)

	_, err := db.DeviceByID(context.Background(), aID)
	require.Error(t, err)
}
