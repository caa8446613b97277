package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/crypto"
	"github.com/and161185/devsync/internal/errs"
	"github.com/and161185/devsync/internal/limiter"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/repository"
	"github.com/and161185/devsync/internal/transport"
	"github.com/and161185/devsync/internal/wire"
)

// nonceSize is the length of the Identify challenge.
const nonceSize = 32

type sessionState uint8

const (
	// stateAwaitAuth: Identify sent, waiting for Register, Login or Access.
	stateAwaitAuth sessionState = iota
	// stateGranting: Access forwarded, waiting for the partner's reply.
	stateGranting
	// stateIdle: authenticated, exchange messages accepted.
	stateIdle
)

// Session serves one client connection. All session state is owned by the
// Run loop; cross-session work arrives via post.
type Session struct {
	id     int64
	log    *zap.Logger
	conn   transport.Conn
	db     repository.DatabaseController
	broker *Broker
	lim    limiter.Limiter
	ipHash []byte

	uploadLimit uint32

	cmds   chan func()
	closed chan struct{}

	nonce        []byte
	state        sessionState
	user         uuid.UUID
	device       *model.Device
	accessDevice *model.Device
}

// NewSession creates a session for an accepted connection.
func NewSession(log *zap.Logger, conn transport.Conn, db repository.DatabaseController, broker *Broker, lim limiter.Limiter, ip string, uploadLimit uint32) *Session {
	s := &Session{
		log:         log,
		conn:        conn,
		db:          db,
		broker:      broker,
		lim:         lim,
		ipHash:      limiter.HashIP(ip),
		uploadLimit: uploadLimit,
		cmds:        make(chan func(), 32),
		closed:      make(chan struct{}),
	}
	s.id = broker.add(s)
	s.log = log.With(zap.Int64("session", s.id))
	return s
}

// post schedules fn on the session loop; dropped once the session ended.
func (s *Session) post(fn func()) {
	select {
	case <-s.closed:
	default:
		select {
		case s.cmds <- fn:
		case <-s.closed:
		}
	}
}

// Run drives the session until the connection or context ends.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.broker.remove(s.id)
		_ = s.conn.Close()
		close(s.closed)
		s.log.Debug("session closed")
	}()

	nonce, err := crypto.RandBytes(nonceSize)
	if err != nil {
		s.log.Error("failed to create challenge nonce", zap.Error(err))
		return
	}
	s.nonce = nonce
	s.send(&wire.Identify{Nonce: nonce, UploadLimit: s.uploadLimit})

	msgs := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := s.conn.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-s.closed:
				return
			}
		}
	}()

	for {
		select {
		case fn := <-s.cmds:
			fn()
		case data := <-msgs:
			if !s.handleFrame(ctx, data) {
				return
			}
		case <-readErr:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) send(m wire.Message) {
	if err := s.conn.Send(wire.Marshal(m)); err != nil {
		s.log.Debug("failed to send message", zap.String("message", m.Name()), zap.Error(err))
	}
}

// sendError reports a failure; unrecoverable errors end the session.
func (s *Session) sendError(t wire.ErrorType, msg string, canRecover bool) bool {
	s.send(&wire.Error{Type: t, Message: msg, CanRecover: canRecover})
	return canRecover
}

// handleFrame routes one inbound frame; false ends the session.
func (s *Session) handleFrame(ctx context.Context, frame []byte) bool {
	if wire.IsPing(frame) {
		if err := s.conn.Send(wire.PingFrame); err != nil {
			return false
		}
		return true
	}

	if s.state == stateAwaitAuth {
		return s.handleAuth(ctx, frame)
	}

	m, err := wire.Unmarshal(frame)
	if err != nil {
		if errors.Is(err, errs.ErrStreamVersion) {
			s.log.Warn("client uses incompatible stream version", zap.Error(err))
			return s.sendError(wire.ErrorIncompatibleVersion, "incompatible protocol version", false)
		}
		s.log.Warn("malformed frame", zap.Error(err))
		return s.sendError(wire.ErrorClient, "malformed message", false)
	}

	if s.state != stateIdle {
		s.log.Warn("message before grant completed", zap.String("message", m.Name()))
		return s.sendError(wire.ErrorUnexpectedMessage, "unexpected "+m.Name(), true)
	}

	switch msg := m.(type) {
	case *wire.Change:
		return s.onChange(ctx, msg)
	case *wire.DeviceChange:
		return s.onDeviceChange(ctx, msg)
	case *wire.ChangedAck:
		return s.onChangedAck(ctx, msg)
	case *wire.Sync:
		s.streamChanges()
		return true
	case *wire.ListDevices:
		return s.onListDevices(ctx)
	case *wire.Remove:
		return s.onRemove(ctx, msg)
	case *wire.KeyChange:
		return s.onKeyChange(ctx, msg)
	case *wire.NewKey:
		return s.onNewKey(ctx, msg)
	case *wire.MacUpdate:
		return s.onMacUpdate(ctx, msg)
	case *wire.Accept:
		return s.onAccept(ctx, msg)
	case *wire.Deny:
		return s.onDeny(msg)
	default:
		s.log.Warn("unexpected message", zap.String("message", m.Name()))
		return s.sendError(wire.ErrorUnexpectedMessage, "unexpected "+m.Name(), true)
	}
}

// --- authentication ---

func (s *Session) handleAuth(ctx context.Context, frame []byte) bool {
	m, body, sig, err := wire.Signature(frame)
	if err != nil {
		if errors.Is(err, errs.ErrStreamVersion) {
			return s.sendError(wire.ErrorIncompatibleVersion, "incompatible protocol version", false)
		}
		s.log.Warn("malformed auth frame", zap.Error(err))
		return s.sendError(wire.ErrorClient, "malformed message", false)
	}

	switch msg := m.(type) {
	case *wire.Register:
		return s.onRegister(ctx, msg, body, sig)
	case *wire.Login:
		return s.onLogin(ctx, msg, body, sig)
	case *wire.Access:
		return s.onAccess(ctx, msg, body, sig)
	default:
		s.log.Warn("unexpected auth message", zap.String("message", m.Name()))
		return s.sendError(wire.ErrorUnexpectedMessage, "expected Register, Login or Access", false)
	}
}

func (s *Session) checkNonce(nonce []byte) bool {
	return bytes.Equal(nonce, s.nonce)
}

func (s *Session) onRegister(ctx context.Context, msg *wire.Register, body, sig []byte) bool {
	if allowed := s.allowAuth(ctx, "register"); !allowed {
		return false
	}
	if !s.checkNonce(msg.Nonce) ||
		crypto.VerifySignature(msg.SignScheme, msg.SignKey, body, sig) != nil {
		return s.authFailed(ctx, "register")
	}

	deviceID, err := uuid.NewV4()
	if err != nil {
		return s.sendError(wire.ErrorServer, "failed to create device id", true)
	}
	device := &model.Device{
		DeviceID:    deviceID,
		Name:        msg.DeviceName,
		SignScheme:  msg.SignScheme,
		SignKey:     msg.SignKey,
		CryptScheme: msg.CryptScheme,
		CryptKey:    msg.CryptKey,
		Fingerprint: crypto.Fingerprint(msg.SignScheme, msg.SignKey, msg.CryptScheme, msg.CryptKey),
		KeyMac:      msg.Cmac,
	}
	user, err := s.db.CreateIdentity(ctx, device)
	if err != nil {
		s.log.Error("failed to create identity", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to create account", true)
	}
	_ = s.lim.Success(ctx, "register", s.ipHash)

	s.user = user
	s.device = device
	s.state = stateIdle
	s.broker.setIdentity(s.id, user, deviceID)
	s.log.Info("registered new device",
		zap.Stringer("user", user), zap.Stringer("deviceId", deviceID))
	s.send(&wire.Account{DeviceID: deviceID})
	return true
}

func (s *Session) onLogin(ctx context.Context, msg *wire.Login, body, sig []byte) bool {
	if allowed := s.allowAuth(ctx, msg.DeviceID.String()); !allowed {
		return false
	}
	device, err := s.db.DeviceByID(ctx, msg.DeviceID)
	if errors.Is(err, errs.ErrNotFound) {
		// login for a non-member device must fail
		return s.authFailed(ctx, msg.DeviceID.String())
	}
	if err != nil {
		s.log.Error("failed to load device", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to load device", true)
	}
	if !s.checkNonce(msg.Nonce) ||
		crypto.VerifySignature(device.SignScheme, device.SignKey, body, sig) != nil {
		return s.authFailed(ctx, msg.DeviceID.String())
	}
	_ = s.lim.Success(ctx, msg.DeviceID.String(), s.ipHash)

	if device.Name != msg.DeviceName {
		if err := s.db.UpdateDeviceName(ctx, device.ID, msg.DeviceName); err != nil {
			s.log.Warn("failed to update device name", zap.Error(err))
		} else {
			device.Name = msg.DeviceName
		}
	}

	count, err := s.db.PendingCount(ctx, device.ID)
	if err != nil {
		s.log.Error("failed to count pending changes", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to load change state", true)
	}
	keyChanges, err := s.db.PendingKeyChanges(ctx, device.ID)
	if err != nil {
		s.log.Error("failed to load key changes", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to load key state", true)
	}

	s.user = device.UserID
	s.device = device
	s.state = stateIdle
	s.broker.setIdentity(s.id, device.UserID, device.DeviceID)
	s.log.Info("device logged in",
		zap.Stringer("user", device.UserID), zap.Stringer("deviceId", device.DeviceID))

	welcome := &wire.Welcome{HasChanges: count > 0}
	for _, kc := range keyChanges {
		welcome.KeyUpdates = append(welcome.KeyUpdates, wire.KeyUpdateEntry{
			Index:  kc.KeyIndex,
			Scheme: kc.Scheme,
			Cipher: kc.Cipher,
			Cmac:   kc.Mac,
		})
	}
	s.send(welcome)
	if count > 0 {
		s.post(s.streamChanges)
	}
	return true
}

func (s *Session) onAccess(ctx context.Context, msg *wire.Access, body, sig []byte) bool {
	if allowed := s.allowAuth(ctx, "access"); !allowed {
		return false
	}
	if !s.checkNonce(msg.Nonce) ||
		crypto.VerifySignature(msg.SignScheme, msg.SignKey, body, sig) != nil {
		return s.authFailed(ctx, "access")
	}

	partner, err := s.db.DeviceByID(ctx, msg.PartnerID)
	if errors.Is(err, errs.ErrNotFound) {
		return s.sendError(wire.ErrorAccess, "unknown export partner", false)
	}
	if err != nil {
		s.log.Error("failed to load partner device", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to load partner device", true)
	}
	partnerSession := s.broker.sessionForDevice(partner.UserID, partner.DeviceID)
	if partnerSession == nil {
		return s.sendError(wire.ErrorAccess, "export partner is not available", false)
	}

	deviceID, err := uuid.NewV4()
	if err != nil {
		return s.sendError(wire.ErrorServer, "failed to create device id", true)
	}
	s.accessDevice = &model.Device{
		DeviceID:    deviceID,
		Name:        msg.DeviceName,
		SignScheme:  msg.SignScheme,
		SignKey:     msg.SignKey,
		CryptScheme: msg.CryptScheme,
		CryptKey:    msg.CryptKey,
		Fingerprint: crypto.Fingerprint(msg.SignScheme, msg.SignKey, msg.CryptScheme, msg.CryptKey),
	}
	s.state = stateGranting
	s.broker.addPending(deviceID, s)
	_ = s.lim.Success(ctx, "access", s.ipHash)

	proof := &wire.Proof{
		PNonce:      msg.PNonce,
		PartnerID:   msg.PartnerID,
		DeviceID:    deviceID,
		DeviceName:  msg.DeviceName,
		SignScheme:  msg.SignScheme,
		SignKey:     msg.SignKey,
		CryptScheme: msg.CryptScheme,
		CryptKey:    msg.CryptKey,
		MacScheme:   msg.MacScheme,
		Cmac:        msg.MacCmac,
		TrustMac:    msg.TrustMac,
	}
	partnerSession.post(func() { partnerSession.send(proof) })
	s.log.Info("forwarded access proof",
		zap.Stringer("partner", msg.PartnerID), zap.Stringer("deviceId", deviceID))
	return true
}

// allowAuth applies the rate limiter; false closes the session.
func (s *Session) allowAuth(ctx context.Context, key string) bool {
	allowed, retryAfter, err := s.lim.Allow(ctx, key, s.ipHash)
	if err != nil {
		s.log.Error("rate limiter failed", zap.Error(err))
		return s.sendError(wire.ErrorServer, "authentication unavailable", true)
	}
	if !allowed {
		s.log.Warn("authentication rate limited", zap.Duration("retryAfter", retryAfter))
		return s.sendError(wire.ErrorAuthentication, "too many authentication attempts", false)
	}
	return true
}

func (s *Session) authFailed(ctx context.Context, key string) bool {
	if blocked, _, err := s.lim.Failure(ctx, key, s.ipHash); err == nil && blocked {
		return s.sendError(wire.ErrorAuthentication, "too many authentication attempts", false)
	}
	return s.sendError(wire.ErrorAuthentication, "authentication failed", false)
}

// --- exchange ---

func (s *Session) onChange(ctx context.Context, msg *wire.Change) bool {
	if s.uploadLimit > 0 && uint32(len(msg.Data)) > s.uploadLimit {
		return s.sendError(wire.ErrorClient, fmt.Sprintf("payload exceeds upload limit of %d bytes", s.uploadLimit), true)
	}
	index, err := s.db.SaveData(ctx, s.user, s.device.DeviceID, msg.Type, msg.Key, repository.Envelope{
		KeyIndex: msg.KeyIndex,
		Salt:     msg.Salt,
		Data:     msg.Data,
	})
	if err != nil {
		s.log.Error("failed to save change", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to save change", true)
	}
	s.send(&wire.ChangeAck{DataID: index})
	s.broker.notifyUser(s.user, s.id)
	return true
}

func (s *Session) onDeviceChange(ctx context.Context, msg *wire.DeviceChange) bool {
	if s.uploadLimit > 0 && uint32(len(msg.Data)) > s.uploadLimit {
		return s.sendError(wire.ErrorClient, fmt.Sprintf("payload exceeds upload limit of %d bytes", s.uploadLimit), true)
	}
	index, err := s.db.SaveDeviceData(ctx, s.user, msg.DeviceID, msg.Type, msg.Key, repository.Envelope{
		KeyIndex: msg.KeyIndex,
		Salt:     msg.Salt,
		Data:     msg.Data,
	})
	if err != nil {
		s.log.Error("failed to save device change", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to save change", true)
	}
	s.send(&wire.DeviceChangeAck{DataID: index, DeviceID: msg.DeviceID})
	s.broker.notifyDevice(s.user, msg.DeviceID)
	return true
}

func (s *Session) onChangedAck(ctx context.Context, msg *wire.ChangedAck) bool {
	if err := s.db.MarkAcked(ctx, s.device.ID, msg.DataIndex); err != nil {
		s.log.Error("failed to mark change acknowledged", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to update change state", true)
	}
	return true
}

// streamChanges sends all pending rows for this device: ChangedInfo with the
// estimate first, then the remaining Changed frames, terminated by
// LastChanged. Rows stay queued until the client acknowledges each one.
func (s *Session) streamChanges() {
	if s.state != stateIdle {
		return
	}
	changes, err := s.db.PendingChanges(context.Background(), s.device.ID)
	if err != nil {
		s.log.Error("failed to load pending changes", zap.Error(err))
		s.sendError(wire.ErrorServer, "failed to load pending changes", true)
		return
	}
	if len(changes) == 0 {
		return
	}
	for i, change := range changes {
		frame := wire.Changed{
			DataIndex: change.DataIndex,
			KeyIndex:  change.KeyIndex,
			Salt:      change.Salt,
			Data:      change.Data,
		}
		if i == 0 {
			s.send(&wire.ChangedInfo{ChangeEstimate: uint32(len(changes)), Changed: frame})
		} else {
			s.send(&frame)
		}
	}
	s.send(&wire.LastChanged{})
}

func (s *Session) onListDevices(ctx context.Context) bool {
	devices, err := s.db.ListDevices(ctx, s.user)
	if err != nil {
		s.log.Error("failed to list devices", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to list devices", true)
	}
	reply := &wire.Devices{}
	for _, d := range devices {
		if d.DeviceID == s.device.DeviceID {
			continue
		}
		reply.Devices = append(reply.Devices, wire.DeviceEntry{
			DeviceID:    d.DeviceID,
			Name:        d.Name,
			Fingerprint: d.Fingerprint,
		})
	}
	s.send(reply)
	return true
}

func (s *Session) onRemove(ctx context.Context, msg *wire.Remove) bool {
	if err := s.db.RemoveDevice(ctx, s.user, msg.DeviceID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return s.sendError(wire.ErrorClient, "unknown device", true)
		}
		s.log.Error("failed to remove device", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to remove device", true)
	}
	s.log.Info("device removed", zap.Stringer("deviceId", msg.DeviceID))
	s.send(&wire.Removed{DeviceID: msg.DeviceID})
	if msg.DeviceID == s.device.DeviceID {
		// self removal ends the session
		return false
	}
	if target := s.broker.sessionForDevice(s.user, msg.DeviceID); target != nil {
		removed := &wire.Removed{DeviceID: msg.DeviceID}
		target.post(func() {
			target.send(removed)
			_ = target.conn.Close()
		})
	}
	return true
}

func (s *Session) onKeyChange(ctx context.Context, msg *wire.KeyChange) bool {
	current, err := s.db.UserKeyIndex(ctx, s.user)
	if err != nil {
		s.log.Error("failed to load key index", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to load key state", true)
	}
	switch {
	case msg.NextIndex == current+1:
		devices, err := s.db.ListDevices(ctx, s.user)
		if err != nil {
			s.log.Error("failed to list devices", zap.Error(err))
			return s.sendError(wire.ErrorServer, "failed to load key state", true)
		}
		reply := &wire.DeviceKeys{KeyIndex: msg.NextIndex}
		for _, d := range devices {
			if d.DeviceID == s.device.DeviceID || d.KeyMac == nil {
				continue
			}
			reply.Devices = append(reply.Devices, wire.DeviceKeyEntry{
				DeviceID:    d.DeviceID,
				SignScheme:  d.SignScheme,
				SignKey:     d.SignKey,
				CryptScheme: d.CryptScheme,
				CryptKey:    d.CryptKey,
				Cmac:        d.KeyMac,
			})
		}
		s.send(reply)
	case msg.NextIndex <= current:
		// rotation already happened, the client only promotes its staged key
		s.send(&wire.DeviceKeys{KeyIndex: current, Duplicated: true})
	default:
		return s.sendError(wire.ErrorKeyIndex, "key index out of rotation order", false)
	}
	return true
}

func (s *Session) onNewKey(ctx context.Context, msg *wire.NewKey) bool {
	updates := make(map[uuid.UUID]model.KeyChange, len(msg.Devices))
	for _, d := range msg.Devices {
		updates[d.DeviceID] = model.KeyChange{
			KeyIndex: msg.KeyIndex,
			Scheme:   msg.Scheme,
			Cipher:   d.Cipher,
			Mac:      d.Cmac,
		}
	}
	if err := s.db.StoreNewKey(ctx, s.user, msg.KeyIndex, msg.Scheme, updates); err != nil {
		if errors.Is(err, errs.ErrKeyIndex) {
			return s.sendError(wire.ErrorKeyIndex, "key index already used", false)
		}
		s.log.Error("failed to store key rotation", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to store key rotation", true)
	}
	s.log.Info("key rotation stored", zap.Uint32("keyIndex", msg.KeyIndex))
	s.send(&wire.NewKeyAck{KeyIndex: msg.KeyIndex})
	return true
}

func (s *Session) onMacUpdate(ctx context.Context, msg *wire.MacUpdate) bool {
	if err := s.db.UpdateDeviceMac(ctx, s.device.ID, msg.KeyIndex, msg.Cmac); err != nil {
		s.log.Error("failed to update key proof", zap.Error(err))
		return s.sendError(wire.ErrorServer, "failed to update key proof", true)
	}
	s.device.KeyMac = msg.Cmac
	s.send(&wire.MacUpdateAck{})
	return true
}

func (s *Session) onAccept(ctx context.Context, msg *wire.Accept) bool {
	waiting := s.broker.takePending(msg.DeviceID)
	if waiting == nil {
		s.log.Warn("accept for unknown access request", zap.Stringer("deviceId", msg.DeviceID))
		return true
	}
	device := waiting.accessDevice
	if err := s.db.Identify(ctx, s.user, device); err != nil {
		s.log.Error("failed to register granted device", zap.Error(err))
		waiting.post(func() {
			waiting.sendError(wire.ErrorAccess, "failed to register device", false)
		})
		return s.sendError(wire.ErrorServer, "failed to register device", true)
	}
	user := s.user
	grant := &wire.Grant{
		DeviceID: msg.DeviceID,
		KeyIndex: msg.KeyIndex,
		Scheme:   msg.Scheme,
		Secret:   msg.Secret,
	}
	waiting.post(func() { waiting.completeGrant(user, device, grant) })
	return true
}

func (s *Session) onDeny(msg *wire.Deny) bool {
	waiting := s.broker.takePending(msg.DeviceID)
	if waiting == nil {
		return true
	}
	waiting.post(func() {
		waiting.sendError(wire.ErrorAccess, "the partner device did not accept your request", false)
	})
	return true
}

// completeGrant finishes an access flow on the waiting session's loop.
func (s *Session) completeGrant(user uuid.UUID, device *model.Device, grant *wire.Grant) {
	s.user = user
	s.device = device
	s.state = stateIdle
	s.accessDevice = nil
	s.broker.setIdentity(s.id, user, device.DeviceID)
	s.log.Info("access granted",
		zap.Stringer("user", user), zap.Stringer("deviceId", device.DeviceID))
	s.send(grant)
}
