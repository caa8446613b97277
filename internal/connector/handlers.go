package connector

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/crypto"
	"github.com/and161185/devsync/internal/errs"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/wire"
)

// onBinaryMessage routes one inbound frame. Handlers never panic through the
// dispatcher: any error they return is converted into a synthetic client
// Error and fed through the normal error path.
func (c *Connector) onBinaryMessage(frame []byte) {
	if wire.IsPing(frame) {
		c.onPingReply()
		return
	}

	m, err := wire.Unmarshal(frame)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownMessage) {
			c.log.Warn("unknown message received", zap.Error(err))
		} else {
			c.log.Error("remote message error", zap.Error(err))
		}
		c.triggerError(true)
		return
	}

	var herr error
	switch msg := m.(type) {
	case *wire.Error:
		c.onError(msg, "")
	case *wire.Identify:
		herr = c.onIdentify(msg)
	case *wire.Account:
		herr = c.onAccount(msg.DeviceID, true)
	case *wire.Welcome:
		herr = c.onWelcome(msg)
	case *wire.Grant:
		herr = c.onGrant(msg)
	case *wire.ChangeAck:
		c.onChangeAck(msg)
	case *wire.DeviceChangeAck:
		c.onDeviceChangeAck(msg)
	case *wire.ChangedInfo:
		herr = c.onChangedInfo(msg)
	case *wire.Changed:
		herr = c.onChanged(msg)
	case *wire.LastChanged:
		c.onLastChanged()
	case *wire.Devices:
		c.onDevices(msg)
	case *wire.Removed:
		c.onRemoved(msg)
	case *wire.Proof:
		c.onProof(msg)
	case *wire.MacUpdateAck:
		c.onMacUpdateAck()
	case *wire.DeviceKeys:
		herr = c.onDeviceKeys(msg)
	case *wire.NewKeyAck:
		herr = c.onNewKeyAck(msg)
	default:
		c.log.Warn("unexpected message received", zap.String("message", m.Name()))
		c.triggerError(true)
		return
	}
	if herr != nil {
		c.handleLocalError(herr, m.Name())
	}
}

// handleLocalError converts a handler failure into a synthetic client error.
func (c *Connector) handleLocalError(err error, messageName string) {
	c.onError(&wire.Error{
		Type:       wire.ErrorClient,
		Message:    err.Error(),
		CanRecover: false,
	}, messageName)
}

func (c *Connector) onError(msg *wire.Error, messageName string) {
	if messageName != "" {
		c.log.Error("local error",
			zap.String("on", messageName),
			zap.String("error", msg.Message))
	} else {
		c.log.Error("server error",
			zap.Stringer("type", msg.Type),
			zap.String("error", msg.Message),
			zap.Bool("canRecover", msg.CanRecover))
	}
	c.triggerError(msg.CanRecover)

	if msg.CanRecover {
		return
	}
	switch msg.Type {
	case wire.ErrorIncompatibleVersion:
		c.emit(ControllerError{Message: "Server is not compatible with your application version."})
	case wire.ErrorAuthentication:
		c.emit(ControllerError{Message: "Authentication failed. Try to remove and add your device again, or reset your account!"})
	case wire.ErrorAccess:
		c.emit(ControllerError{Message: "Account access (import) failed. The partner device was not available or did not accept your request!"})
	case wire.ErrorKeyIndex:
		c.emit(ControllerError{Message: "Cannot update key! This client is not using the latest existing keys."})
	case wire.ErrorClient, wire.ErrorServer, wire.ErrorUnexpectedMessage:
		c.emit(ControllerError{Message: "Internal application error. Check the logs for details."})
	default:
		c.emit(ControllerError{Message: "Unknown error occurred."})
	}
}

// onIdentify answers the server challenge with login, registration or an
// account-access request. The message may legally arrive while the machine
// is still Connecting: the socket delivers it before the connected event has
// been processed.
func (c *Connector) onIdentify(msg *wire.Identify) error {
	switch c.machine.Current() {
	case StateConnected, StateConnecting:
	default:
		c.log.Warn("unexpected Identify message")
		c.triggerError(true)
		return nil
	}
	c.submit(EventIdentify)
	c.uploadLimit = msg.UploadLimit
	c.emit(UploadLimit{Limit: msg.UploadLimit})

	if c.deviceID != uuid.Nil {
		login := &wire.Login{
			DeviceID:   c.deviceID,
			DeviceName: c.settings.DeviceName(),
			Nonce:      msg.Nonce,
		}
		c.submit(EventAwaitLogin)
		if err := c.sendSigned(login); err != nil {
			return err
		}
		c.log.Debug("sent login message", zap.Stringer("deviceId", c.deviceID))
		return nil
	}

	if err := c.crypto.CreatePrivateKeys(msg.Nonce); err != nil {
		return err
	}
	signKey, err := c.crypto.SignPublic()
	if err != nil {
		return err
	}
	cryptKey, err := c.crypto.CryptPublic()
	if err != nil {
		return err
	}

	pNonce := c.settings.ImportNonce()
	if len(pNonce) == 0 {
		cmac, err := c.crypto.GenerateEncryptionKeyCmac()
		if err != nil {
			return err
		}
		reg := &wire.Register{
			DeviceName:  c.settings.DeviceName(),
			Nonce:       msg.Nonce,
			SignScheme:  c.crypto.SignScheme(),
			SignKey:     signKey,
			CryptScheme: c.crypto.CryptScheme(),
			CryptKey:    cryptKey,
			Cmac:        cmac,
		}
		c.submit(EventAwaitRegister)
		if err := c.sendSigned(reg); err != nil {
			return err
		}
		c.log.Debug("sent registration message for new id")
		return nil
	}

	// pending import: request access via the export partner
	scheme := c.settings.ImportScheme()
	var trustmac []byte
	if key := c.settings.ImportKey(); len(key) > 0 {
		trustmac, err = c.crypto.CreateExportCmacForCrypto(scheme, key)
		if err != nil {
			return err
		}
	}
	access := &wire.Access{
		DeviceName:  c.settings.DeviceName(),
		Nonce:       msg.Nonce,
		SignScheme:  c.crypto.SignScheme(),
		SignKey:     signKey,
		CryptScheme: c.crypto.CryptScheme(),
		CryptKey:    cryptKey,
		PNonce:      pNonce,
		PartnerID:   c.settings.ImportPartner(),
		MacScheme:   scheme,
		MacCmac:     c.settings.ImportCmac(),
		TrustMac:    trustmac,
	}
	c.submit(EventAwaitGranted)
	if err := c.sendSigned(access); err != nil {
		return err
	}
	c.log.Debug("sent access message for new id")
	return nil
}

func (c *Connector) onAccount(deviceID uuid.UUID, checkState bool) error {
	if checkState && c.machine.Current() != StateRegistering {
		c.log.Warn("unexpected Account message")
		c.triggerError(true)
		return nil
	}
	c.deviceID = deviceID
	c.settings.SetDeviceID(deviceID)
	// make sure the active configuration is stored, in case it came from
	// defaults
	c.settings.StoreRemoteConfig(c.settings.RemoteConfig())
	if err := c.crypto.StorePrivateKeys(deviceID); err != nil {
		return err
	}
	if err := c.settings.Flush(); err != nil {
		return err
	}
	c.log.Debug("registration successful")
	c.expectChanges = false
	c.submit(EventAccount)
	return nil
}

func (c *Connector) onWelcome(msg *wire.Welcome) error {
	if c.machine.Current() != StateLoggingIn {
		c.log.Warn("unexpected Welcome message")
		c.triggerError(true)
		return nil
	}
	c.log.Debug("login successful")
	c.expectChanges = msg.HasChanges
	c.submit(EventAccount)

	keyUpdated := false
	prev := c.crypto.KeyIndex()
	for _, update := range msg.KeyUpdates { // ordered by index
		// verify the new key with the key immediately before it
		if err := c.crypto.VerifyCmac(prev, update.SignatureData(c.deviceID), update.Cmac); err != nil {
			return fmt.Errorf("key update %d: %w", update.Index, err)
		}
		if err := c.crypto.DecryptSecretKey(update.Index, update.Scheme, update.Cipher, true); err != nil {
			return fmt.Errorf("key update %d: %w", update.Index, err)
		}
		prev = update.Index
		keyUpdated = true
	}

	if keyUpdated || c.settings.SendCmac() {
		return c.sendKeyUpdate()
	}
	return nil
}

// sendKeyUpdate proves the current key to the server. The owed flag is
// persisted first so an interrupted update is retried on the next login.
func (c *Connector) sendKeyUpdate() error {
	c.settings.SetSendCmac()
	cmac, err := c.crypto.GenerateEncryptionKeyCmac()
	if err != nil {
		return err
	}
	c.sendMessage(&wire.MacUpdate{KeyIndex: c.crypto.KeyIndex(), Cmac: cmac})
	return nil
}

func (c *Connector) onGrant(msg *wire.Grant) error {
	if c.machine.Current() != StateGranting {
		c.log.Warn("unexpected Grant message")
		c.triggerError(true)
		return nil
	}
	c.log.Debug("account access granted")
	if err := c.crypto.DecryptSecretKey(msg.KeyIndex, msg.Scheme, msg.Secret, true); err != nil {
		return err
	}
	if err := c.onAccount(msg.DeviceID, false); err != nil {
		return err
	}
	// import succeeded, remove the staged import and prove the key
	c.settings.ClearImport()
	if err := c.sendKeyUpdate(); err != nil {
		return err
	}
	c.emit(ImportCompleted{})
	return nil
}

// checkIdle verifies an exchange message arrived in the idle (or, when
// allowed, downloading) state.
func (c *Connector) checkIdle(name string, allowDownloading bool) bool {
	if c.machine.IsIdle() || (allowDownloading && c.machine.IsDownloading()) {
		return true
	}
	c.log.Warn("unexpected message", zap.String("message", name))
	c.triggerError(true)
	return false
}

func (c *Connector) onChangeAck(msg *wire.ChangeAck) {
	if c.checkIdle("ChangeAck", false) {
		c.emit(UploadDone{DataID: msg.DataID})
	}
}

func (c *Connector) onDeviceChangeAck(msg *wire.DeviceChangeAck) {
	if c.checkIdle("DeviceChangeAck", false) {
		c.emit(DeviceUploadDone{DataID: msg.DataID, DeviceID: msg.DeviceID})
	}
}

func (c *Connector) onChangedInfo(msg *wire.ChangedInfo) error {
	if !c.checkIdle("ChangedInfo", true) {
		return nil
	}
	c.log.Debug("started downloading", zap.Uint32("estimated", msg.ChangeEstimate))
	c.machine.BeginDownload()
	c.emit(RemoteEvent{State: RemoteReadyWithChanges})
	c.emit(ProgressAdded{Estimate: msg.ChangeEstimate})
	return c.onChanged(&msg.Changed)
}

func (c *Connector) onChanged(msg *wire.Changed) error {
	if !c.checkIdle("Changed", true) {
		return nil
	}
	data, err := c.crypto.DecryptData(msg.KeyIndex, msg.Salt, msg.Data)
	if err != nil {
		return err
	}
	c.beginOp(downloadOpTimeout)
	c.emit(DownloadData{DataIndex: msg.DataIndex, Data: data})
	return nil
}

func (c *Connector) onLastChanged() {
	if !c.checkIdle("LastChanged", true) {
		return
	}
	c.log.Debug("completed downloading changes")
	c.endOp()
	c.machine.EndDownload()
	c.emit(RemoteEvent{State: RemoteReady})
}

func (c *Connector) onDevices(msg *wire.Devices) {
	if !c.checkIdle("Devices", false) {
		return
	}
	c.log.Debug("received list of devices", zap.Int("count", len(msg.Devices)))
	c.deviceCache = c.deviceCache[:0]
	for _, d := range msg.Devices {
		c.deviceCache = append(c.deviceCache, model.DeviceInfo{
			DeviceID:    d.DeviceID,
			Name:        d.Name,
			Fingerprint: d.Fingerprint,
		})
	}
	c.emit(DevicesListed{Devices: append([]model.DeviceInfo(nil), c.deviceCache...)})
}

func (c *Connector) onRemoved(msg *wire.Removed) {
	if !c.checkIdle("Removed", false) {
		return
	}
	c.log.Debug("device was removed", zap.Stringer("deviceId", msg.DeviceID))
	if msg.DeviceID == c.deviceID {
		c.deviceID = uuid.Nil
		c.settings.RemoveDeviceID()
		_ = c.settings.Flush()
		c.submit(EventReconnect)
		return
	}
	for i, d := range c.deviceCache {
		if d.DeviceID == msg.DeviceID {
			c.deviceCache = append(c.deviceCache[:i], c.deviceCache[i+1:]...)
			c.emit(DevicesListed{Devices: append([]model.DeviceInfo(nil), c.deviceCache...)})
			break
		}
	}
}

func (c *Connector) onProof(msg *wire.Proof) {
	if !c.checkIdle("Proof", false) {
		return
	}
	deny := func(reason error) {
		c.log.Warn("rejecting Proof message", zap.Error(reason))
		c.sendMessage(&wire.Deny{DeviceID: msg.DeviceID})
	}

	key, ok := c.exportsCache[string(msg.PNonce)]
	if !ok {
		deny(fmt.Errorf("proof for non existing export"))
		return
	}
	delete(c.exportsCache, string(msg.PNonce))

	macData := model.ExportData{
		PNonce:    msg.PNonce,
		PartnerID: c.deviceID,
		Scheme:    msg.MacScheme,
	}.SignData()
	if err := c.crypto.VerifyImportCmac(msg.MacScheme, key, macData, msg.Cmac); err != nil {
		deny(err)
		return
	}

	peerFingerprint := crypto.Fingerprint(msg.SignScheme, msg.SignKey, msg.CryptScheme, msg.CryptKey)
	trusted := msg.TrustMac != nil
	if trusted {
		if err := c.crypto.VerifyImportCmac(msg.MacScheme, key, peerFingerprint, msg.TrustMac); err != nil {
			deny(err)
			return
		}
		c.log.Info("accepted trusted import proof request", zap.Stringer("deviceId", msg.DeviceID))
	} else {
		c.log.Info("received untrusted import proof request", zap.Stringer("deviceId", msg.DeviceID))
	}

	c.activeProofs[msg.DeviceID] = &proofEntry{
		cryptScheme: msg.CryptScheme,
		cryptKey:    msg.CryptKey,
	}
	if trusted {
		c.loginReply(msg.DeviceID, true)
		return
	}
	c.emit(LoginRequested{Device: model.DeviceInfo{
		DeviceID:    msg.DeviceID,
		Name:        msg.DeviceName,
		Fingerprint: peerFingerprint,
	}})

	// unanswered proofs are denied after a timeout
	deviceID := msg.DeviceID
	time.AfterFunc(proofTimeout, func() {
		c.post(func() {
			if _, ok := c.activeProofs[deviceID]; ok {
				delete(c.activeProofs, deviceID)
				c.log.Warn("rejecting Proof message after timeout", zap.Stringer("deviceId", deviceID))
				c.sendMessage(&wire.Deny{DeviceID: deviceID})
			}
		})
	})
}

func (c *Connector) onMacUpdateAck() {
	if c.checkIdle("MacUpdateAck", false) {
		c.settings.ClearSendCmac()
		_ = c.settings.Flush()
	}
}

func (c *Connector) onDeviceKeys(msg *wire.DeviceKeys) error {
	if !c.checkIdle("DeviceKeys", false) {
		return nil
	}
	if msg.Duplicated {
		return c.crypto.ActivateNextKey(msg.KeyIndex)
	}

	reply := &wire.NewKey{}
	var err error
	reply.KeyIndex, reply.Scheme, err = c.crypto.GenerateNextKey()
	if err != nil {
		return err
	}

	previous := c.crypto.KeyIndex()
	for _, info := range msg.Devices {
		// verify the device knows the previous secret, which is still the
		// current one
		if err := c.crypto.VerifyEncryptionKeyCmac(previous, info.SignKey, info.Cmac); err != nil {
			c.log.Warn("failed to verify device key proof, device is excluded from synchronization",
				zap.Stringer("deviceId", info.DeviceID), zap.Error(err))
			continue
		}
		cipher, err := c.crypto.EncryptSecretKey(reply.KeyIndex, info.CryptScheme, info.CryptKey)
		if err != nil {
			c.log.Warn("failed to encrypt exchange key for device, device is excluded from synchronization",
				zap.Stringer("deviceId", info.DeviceID), zap.Error(err))
			continue
		}
		entry := wire.NewKeyEntry{DeviceID: info.DeviceID, Cipher: cipher}
		entry.Cmac, err = c.crypto.CreateCmac(reply.SignatureData(entry)) // keyed with the old current key
		if err != nil {
			return err
		}
		reply.Devices = append(reply.Devices, entry)
		c.log.Debug("prepared key update for device", zap.Stringer("deviceId", info.DeviceID))
	}

	c.sendMessage(reply)
	c.log.Debug("sent key update to server", zap.Uint32("keyIndex", reply.KeyIndex))
	return nil
}

func (c *Connector) onNewKeyAck(msg *wire.NewKeyAck) error {
	if !c.checkIdle("NewKeyAck", false) {
		return nil
	}
	return c.crypto.ActivateNextKey(msg.KeyIndex)
}
