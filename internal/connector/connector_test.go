package connector

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

// fakeDialer hands one in-memory pipe per dial and exposes the server ends.
type fakeDialer struct {
	conns chan transport.Conn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan transport.Conn, 4)}
}

func (d *fakeDialer) Dial(context.Context, model.RemoteConfig) (transport.Conn, error) {
	client, server := transport.Pair()
	d.conns <- server
	return client, nil
}

func (d *fakeDialer) accept(t *testing.T) transport.Conn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("no dial within timeout")
		return nil
	}
}

type harness struct {
	conn     *Connector
	dialer   *fakeDialer
	settings *settings.Store
	keys     *keystore.MemoryStore
}

func newHarness(t *testing.T, keys *keystore.MemoryStore, backend *settings.MemoryBackend) *harness {
	t.Helper()
	if keys == nil {
		keys = keystore.NewMemoryStore()
	}
	if backend == nil {
		backend = settings.NewMemoryBackend()
	}
	store := settings.New(backend)
	if store.RemoteURL() == "" {
		store.SetRemoteURL("wss://sync.example.org")
	}

	registry := keystore.NewRegistry()
	registry.Register("memory", keystore.MemoryProvider(keys))
	ctrl := cryptoctrl.New(zap.NewNop(), cryptoctrl.Config{Provider: "memory", RSABits: 2048}, registry, store)

	dialer := newFakeDialer()
	conn := New(Options{
		Log:             zap.NewNop(),
		Settings:        store,
		Crypto:          ctrl,
		Dialer:          dialer,
		FinalizeTimeout: 2 * time.Second,
	})
	return &harness{conn: conn, dialer: dialer, settings: store, keys: keys}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.conn.Initialize())
	t.Cleanup(func() { h.shutdown(t) })
}

// shutdown finalizes the connector and waits for the loop to stop. Safe to
// call repeatedly.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.conn.Finalize()
	select {
	case <-h.conn.done:
	case <-time.After(testTimeout):
		t.Error("finalize timed out")
	}
}

// waitFor drains notifications until the predicate matches.
func (h *harness) waitFor(t *testing.T, match func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case n := <-h.conn.Events():
			if match(n) {
				return n
			}
		case <-deadline:
			t.Fatal("expected notification not delivered")
			return nil
		}
	}
}

func (h *harness) waitRemote(t *testing.T, state RemoteState) {
	t.Helper()
	h.waitFor(t, func(n Notification) bool {
		ev, ok := n.(RemoteEvent)
		return ok && ev.State == state
	})
}

// recvFrame returns the next non-keepalive frame from the server end.
func recvFrame(t *testing.T, conn transport.Conn) []byte {
	t.Helper()
	deadline := time.After(testTimeout)
	type result struct {
		data []byte
		err  error
	}
	for {
		ch := make(chan result, 1)
		go func() {
			data, err := conn.Receive()
			ch <- result{data, err}
		}()
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			if wire.IsPing(r.data) {
				continue
			}
			return r.data
		case <-deadline:
			t.Fatal("no frame within timeout")
			return nil
		}
	}
}

func recvMsg(t *testing.T, conn transport.Conn) wire.Message {
	t.Helper()
	frame := recvFrame(t, conn)
	m, err := wire.Unmarshal(frame)
	require.NoError(t, err)
	return m
}

func recvSigned(t *testing.T, conn transport.Conn) (wire.Message, []byte, []byte) {
	t.Helper()
	m, body, sig, err := wire.Signature(recvFrame(t, conn))
	require.NoError(t, err)
	return m, body, sig
}

func send(t *testing.T, conn transport.Conn, m wire.Message) {
	t.Helper()
	require.NoError(t, conn.Send(wire.Marshal(m)))
}

// registerDevice walks a fresh harness through Identify/Register/Account and
// returns the server end plus the registration message.
func registerDevice(t *testing.T, h *harness, deviceID uuid.UUID, nonce []byte) (transport.Conn, *wire.Register) {
	t.Helper()
	server := h.dialer.accept(t)
	send(t, server, &wire.Identify{Nonce: nonce, UploadLimit: 4096})

	m, body, sig := recvSigned(t, server)
	reg, ok := m.(*wire.Register)
	require.True(t, ok, "expected Register, got %s", m.Name())
	require.Equal(t, nonce, reg.Nonce)
	require.NoError(t, crypto.VerifySignature(reg.SignScheme, reg.SignKey, body, sig))
	require.NotEmpty(t, reg.Cmac)

	send(t, server, &wire.Account{DeviceID: deviceID})
	h.waitRemote(t, RemoteReady)
	return server, reg
}

func TestFreshRegistration(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	deviceID := uuid.Must(uuid.NewV4())
	nonce := []byte("0102030405060708090a0b0c0d0e0f10")

	server := h.dialer.accept(t)
	send(t, server, &wire.Identify{Nonce: nonce, UploadLimit: 4096})

	m, body, sig := recvSigned(t, server)
	reg, ok := m.(*wire.Register)
	require.True(t, ok, "expected Register, got %s", m.Name())
	require.Equal(t, nonce, reg.Nonce)
	require.NoError(t, crypto.VerifySignature(reg.SignScheme, reg.SignKey, body, sig))
	require.NotEmpty(t, reg.Cmac)

	// the upload limit is surfaced before readiness
	h.waitFor(t, func(n Notification) bool {
		limit, ok := n.(UploadLimit)
		return ok && limit.Limit == 4096
	})

	send(t, server, &wire.Account{DeviceID: deviceID})
	h.waitRemote(t, RemoteReady)

	// the device id is persisted and the private keys stored under its labels
	require.Equal(t, deviceID, h.settings.DeviceID())
	for _, label := range []string{
		"device/" + deviceID.String() + "/sign-key",
		"device/" + deviceID.String() + "/crypt-key",
	} {
		ok, err := h.keys.Contains(label)
		require.NoError(t, err)
		require.True(t, ok, "missing blob %s", label)
	}
}

func TestReLogin(t *testing.T) {
	keys := keystore.NewMemoryStore()
	backend := settings.NewMemoryBackend()

	h := newHarness(t, keys, backend)
	h.start(t)
	deviceID := uuid.Must(uuid.NewV4())
	_, reg := registerDevice(t, h, deviceID, []byte("nonce-1"))
	h.shutdown(t)

	// restart with the persisted identity
	h2 := newHarness(t, keys, backend)
	h2.start(t)
	server := h2.dialer.accept(t)
	nonce := []byte("nonce-2")
	send(t, server, &wire.Identify{Nonce: nonce, UploadLimit: 4096})

	m, body, sig := recvSigned(t, server)
	login, ok := m.(*wire.Login)
	require.True(t, ok, "expected Login, got %s", m.Name())
	require.Equal(t, deviceID, login.DeviceID)
	require.Equal(t, nonce, login.Nonce)
	require.NoError(t, crypto.VerifySignature(reg.SignScheme, reg.SignKey, body, sig))

	send(t, server, &wire.Welcome{HasChanges: true})
	h2.waitRemote(t, RemoteReadyWithChanges)
}

func TestUploadChangeAndAck(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	server, _ := registerDevice(t, h, uuid.Must(uuid.NewV4()), []byte("nonce"))

	h.conn.UploadData(model.ObjectKey{Type: "todo", Key: "42"}, []byte(`{"done":false}`))
	m := recvMsg(t, server)
	change, ok := m.(*wire.Change)
	require.True(t, ok, "expected Change, got %s", m.Name())
	require.Equal(t, "todo", change.Type)
	require.Equal(t, "42", change.Key)
	require.Equal(t, uint32(0), change.KeyIndex)
	require.NotEmpty(t, change.Salt)
	require.NotEmpty(t, change.Data)

	send(t, server, &wire.ChangeAck{DataID: 7})
	h.waitFor(t, func(n Notification) bool {
		done, ok := n.(UploadDone)
		return ok && done.DataID == 7
	})
}

func TestDownloadFlow(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	server, _ := registerDevice(t, h, uuid.Must(uuid.NewV4()), []byte("nonce"))

	// upload so the test learns a ciphertext it can stream back
	h.conn.UploadData(model.ObjectKey{Type: "todo", Key: "42"}, []byte(`{"n":1}`))
	change := recvMsg(t, server).(*wire.Change)
	send(t, server, &wire.ChangeAck{DataID: 1})

	send(t, server, &wire.ChangedInfo{
		ChangeEstimate: 1,
		Changed: wire.Changed{
			DataIndex: 1,
			KeyIndex:  change.KeyIndex,
			Salt:      change.Salt,
			Data:      change.Data,
		},
	})
	n := h.waitFor(t, func(n Notification) bool {
		_, ok := n.(DownloadData)
		return ok
	})
	download := n.(DownloadData)
	require.Equal(t, uint64(1), download.DataIndex)
	require.Equal(t, []byte(`{"n":1}`), download.Data)

	h.conn.DownloadDone(1)
	ack := recvMsg(t, server)
	require.Equal(t, &wire.ChangedAck{DataIndex: 1}, ack)

	send(t, server, &wire.LastChanged{})
	h.waitRemote(t, RemoteReady)
}

func TestKeyRotationWithoutPeers(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	server, _ := registerDevice(t, h, uuid.Must(uuid.NewV4()), []byte("nonce"))

	h.conn.InitKeyUpdate()
	m := recvMsg(t, server)
	require.Equal(t, &wire.KeyChange{NextIndex: 1}, m)

	send(t, server, &wire.DeviceKeys{KeyIndex: 1, Duplicated: false})
	newKey, ok := recvMsg(t, server).(*wire.NewKey)
	require.True(t, ok)
	require.Equal(t, uint32(1), newKey.KeyIndex)
	require.Empty(t, newKey.Devices)

	send(t, server, &wire.NewKeyAck{KeyIndex: 1})

	// the next upload is sealed under the rotated key
	h.conn.UploadData(model.ObjectKey{Type: "todo", Key: "1"}, []byte(`{}`))
	change := recvMsg(t, server).(*wire.Change)
	require.Equal(t, uint32(1), change.KeyIndex)
}

func TestTrustedImportProof(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	server, _ := registerDevice(t, h, uuid.Must(uuid.NewV4()), []byte("nonce"))

	data, _, key, err := h.conn.ExportAccount(false, "pass-phrase")
	require.NoError(t, err)
	require.True(t, data.Trusted)

	// the importing device's key material
	peer := newPeerController(t)
	peerSign, err := peer.SignPublic()
	require.NoError(t, err)
	peerCrypt, err := peer.CryptPublic()
	require.NoError(t, err)
	peerFingerprint := crypto.Fingerprint(peer.SignScheme(), peerSign, peer.CryptScheme(), peerCrypt)
	trustmac, err := crypto.MAC(key, peerFingerprint)
	require.NoError(t, err)

	newID := uuid.Must(uuid.NewV4())
	send(t, server, &wire.Proof{
		PNonce:      data.PNonce,
		PartnerID:   data.PartnerID,
		DeviceID:    newID,
		DeviceName:  "imported",
		SignScheme:  peer.SignScheme(),
		SignKey:     peerSign,
		CryptScheme: peer.CryptScheme(),
		CryptKey:    peerCrypt,
		MacScheme:   data.Scheme,
		Cmac:        data.Cmac,
		TrustMac:    trustmac,
	})

	accept, ok := recvMsg(t, server).(*wire.Accept)
	require.True(t, ok)
	require.Equal(t, newID, accept.DeviceID)

	// the granted secret is decryptable by the peer
	require.NoError(t, peer.DecryptSecretKey(accept.KeyIndex, accept.Scheme, accept.Secret, true))

	h.waitFor(t, func(n Notification) bool {
		granted, ok := n.(AccountAccessGranted)
		return ok && granted.DeviceID == newID
	})
}

func TestUntrustedImportProofAsksOwner(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	server, _ := registerDevice(t, h, uuid.Must(uuid.NewV4()), []byte("nonce"))

	data, _, _, err := h.conn.ExportAccount(false, "")
	require.NoError(t, err)
	require.False(t, data.Trusted)

	peer := newPeerController(t)
	peerSign, err := peer.SignPublic()
	require.NoError(t, err)
	peerCrypt, err := peer.CryptPublic()
	require.NoError(t, err)

	newID := uuid.Must(uuid.NewV4())
	send(t, server, &wire.Proof{
		PNonce:      data.PNonce,
		PartnerID:   data.PartnerID,
		DeviceID:    newID,
		DeviceName:  "imported",
		SignScheme:  peer.SignScheme(),
		SignKey:     peerSign,
		CryptScheme: peer.CryptScheme(),
		CryptKey:    peerCrypt,
		MacScheme:   data.Scheme,
		Cmac:        data.Cmac,
	})

	n := h.waitFor(t, func(n Notification) bool {
		_, ok := n.(LoginRequested)
		return ok
	})
	require.Equal(t, newID, n.(LoginRequested).Device.DeviceID)

	h.conn.LoginReply(newID, false)
	deny, ok := recvMsg(t, server).(*wire.Deny)
	require.True(t, ok)
	require.Equal(t, newID, deny.DeviceID)
}

func TestKeepaliveMissReconnects(t *testing.T) {
	backend := settings.NewMemoryBackend()
	store := settings.New(backend)
	store.SetRemoteURL("wss://sync.example.org")
	store.SetKeepaliveTimeout(1)

	h := newHarness(t, nil, backend)
	h.conn.minute = 250 * time.Millisecond
	h.start(t)

	_, _ = registerDevice(t, h, uuid.Must(uuid.NewV4()), []byte("nonce"))

	// the first tick sends a ping that is never answered; the second tick
	// reconnects: a fresh dial with a new handshake arrives
	next := h.dialer.accept(t)
	send(t, next, &wire.Identify{Nonce: []byte("n2"), UploadLimit: 4096})
	m, _, _ := recvSigned(t, next)
	require.Equal(t, "Login", m.Name())
}

func TestBackoffSchedule(t *testing.T) {
	c := New(Options{Log: zap.NewNop()})
	var delays []time.Duration
	for i := 0; i < 7; i++ {
		delays = append(delays, c.nextRetryDelay())
	}
	require.Equal(t, []time.Duration{
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		time.Minute,
		5 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}, delays)

	// a successful login resets the ladder
	c.retryIndex = 0
	require.Equal(t, 5*time.Second, c.nextRetryDelay())
}

func newPeerController(t *testing.T) *cryptoctrl.Controller {
	t.Helper()
	registry := keystore.NewRegistry()
	registry.Register("memory", keystore.MemoryProvider(keystore.NewMemoryStore()))
	ctrl := cryptoctrl.New(zap.NewNop(), cryptoctrl.Config{Provider: "memory", RSABits: 2048},
		registry, settings.New(settings.NewMemoryBackend()))
	require.NoError(t, ctrl.Initialize())
	require.NoError(t, ctrl.AcquireStore())
	require.NoError(t, ctrl.CreatePrivateKeys([]byte("peer-nonce")))
	return ctrl
}
