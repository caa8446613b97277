package connector

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/wire"
)

// Reconnect drops the current connection (if any) and starts a new attempt.
func (c *Connector) Reconnect() {
	c.post(func() { c.submit(EventReconnect) })
}

// Disconnect closes the connection and holds the connector in Error until
// Reconnect is called.
func (c *Connector) Disconnect() {
	c.post(func() { c.triggerError(false) })
}

// Resync asks the server to restream all pending changes.
func (c *Connector) Resync() {
	c.post(func() {
		if !c.requireIdle("resync") {
			return
		}
		c.emit(RemoteEvent{State: RemoteReadyWithChanges})
		c.sendMessage(&wire.Sync{})
	})
}

// ListDevices requests the account's device list; the result arrives as a
// DevicesListed notification.
func (c *Connector) ListDevices() {
	c.post(func() {
		if !c.requireIdle("list devices") {
			return
		}
		c.sendMessage(&wire.ListDevices{})
	})
}

// RemoveDevice asks the server to drop a peer device from the account.
func (c *Connector) RemoveDevice(deviceID uuid.UUID) {
	c.post(func() {
		if !c.requireIdle("remove a device") {
			return
		}
		if deviceID == c.deviceID {
			c.log.Warn("cannot delete your own device, reset the account instead")
			return
		}
		c.sendMessage(&wire.Remove{DeviceID: deviceID})
	})
}

// ResetAccount destroys the local identity and, when registered and idle,
// removes this device from the server. clearConfig additionally erases the
// remote configuration.
func (c *Connector) ResetAccount(clearConfig bool) {
	c.post(func() {
		if clearConfig {
			// clearing the config also resets any staged import
			c.settings.ClearRemote()
			c.settings.ClearImport()
		}

		devID := c.deviceID
		if devID == uuid.Nil {
			devID = c.settings.DeviceID()
		}
		if devID == uuid.Nil {
			c.log.Info("skipping server reset, not registered to a server")
			c.submit(EventReconnect)
			return
		}

		c.clearCaches(true)
		c.settings.RemoveDeviceID()
		if err := c.crypto.DeleteKeyMaterial(devID); err != nil {
			c.log.Warn("failed to delete key material", zap.Error(err))
		}
		_ = c.settings.Flush()
		if c.machine.IsIdle() {
			// delete yourself; the remote disconnects once done
			c.sendMessage(&wire.Remove{DeviceID: devID})
		} else {
			c.deviceID = uuid.Nil
			c.submit(EventReconnect)
		}
	})
}

// LoginReply answers a LoginRequested notification.
func (c *Connector) LoginReply(deviceID uuid.UUID, accept bool) {
	c.post(func() {
		if !c.requireIdle("react to login") {
			return
		}
		c.loginReply(deviceID, accept)
	})
}

func (c *Connector) loginReply(deviceID uuid.UUID, accept bool) {
	proof, ok := c.activeProofs[deviceID]
	if !ok {
		c.log.Warn("received login reply for non existing request, probably already handled",
			zap.Stringer("deviceId", deviceID))
		return
	}
	delete(c.activeProofs, deviceID)

	if !accept {
		c.sendMessage(&wire.Deny{DeviceID: deviceID})
		return
	}
	index := c.crypto.KeyIndex()
	secret, err := c.crypto.EncryptSecretKey(index, proof.cryptScheme, proof.cryptKey)
	if err != nil {
		c.log.Warn("failed to reply to login, sending deny", zap.Error(err))
		c.sendMessage(&wire.Deny{DeviceID: deviceID})
		return
	}
	c.sendMessage(&wire.Accept{
		DeviceID: deviceID,
		KeyIndex: index,
		Scheme:   c.crypto.SecretScheme(),
		Secret:   secret,
	})
	c.emit(AccountAccessGranted{DeviceID: deviceID})
}

// InitKeyUpdate starts a symmetric key rotation.
func (c *Connector) InitKeyUpdate() {
	c.post(func() {
		if !c.requireIdle("update secret keys") {
			return
		}
		c.initKeyUpdate()
	})
}

func (c *Connector) initKeyUpdate() {
	c.sendMessage(&wire.KeyChange{NextIndex: c.crypto.KeyIndex() + 1})
}

// UploadData encrypts and uploads one dataset entry.
func (c *Connector) UploadData(key model.ObjectKey, data []byte) {
	c.post(func() {
		if !c.requireIdle("upload") {
			return
		}
		if c.uploadLimit > 0 && uint32(len(data)) > c.uploadLimit {
			c.handleLocalError(fmt.Errorf("payload of %d bytes exceeds upload limit %d", len(data), c.uploadLimit), "Change")
			return
		}
		keyIndex, salt, cipher, err := c.crypto.EncryptData(data)
		if err != nil {
			c.handleLocalError(err, "Change")
			return
		}
		c.sendMessage(&wire.Change{
			Type:     key.Type,
			Key:      key.Key,
			KeyIndex: keyIndex,
			Salt:     salt,
			Data:     cipher,
		})
	})
}

// UploadDeviceData encrypts and uploads one entry addressed to a single
// device, used for the payload handoff after granting a login.
func (c *Connector) UploadDeviceData(key model.ObjectKey, deviceID uuid.UUID, data []byte) {
	c.post(func() {
		if !c.requireIdle("upload") {
			return
		}
		keyIndex, salt, cipher, err := c.crypto.EncryptData(data)
		if err != nil {
			c.handleLocalError(err, "DeviceChange")
			return
		}
		c.sendMessage(&wire.DeviceChange{
			Type:     key.Type,
			Key:      key.Key,
			DeviceID: deviceID,
			KeyIndex: keyIndex,
			Salt:     salt,
			Data:     cipher,
		})
	})
}

// DownloadDone acknowledges one downloaded change.
func (c *Connector) DownloadDone(dataIndex uint64) {
	c.post(func() {
		if !c.machine.IsIdle() && !c.machine.IsDownloading() {
			c.log.Warn("cannot acknowledge download when not in idle state, ignoring request")
			return
		}
		c.sendMessage(&wire.ChangedAck{DataIndex: dataIndex})
		c.beginOp(downloadOpTimeout)
	})
}

// PrepareImport stages an account import; it becomes effective with the next
// (re)connect after ResetAccount.
func (c *Connector) PrepareImport(data model.ExportData, key []byte) {
	c.post(func() {
		if data.Config != nil {
			c.settings.StoreRemoteConfig(*data.Config)
		} else {
			c.settings.ClearRemote()
		}
		if !data.Trusted {
			key = nil
		}
		c.settings.StageImport(data, key)
		_ = c.settings.Flush()
	})
}

// ExportAccount creates an export for a new partner device. With a password
// the export is trusted: the partner derives the same key from the password
// and the returned salt, and its import is accepted without interaction.
func (c *Connector) ExportAccount(includeServer bool, password string) (model.ExportData, []byte, []byte, error) {
	type result struct {
		data model.ExportData
		salt []byte
		key  []byte
		err  error
	}
	res := make(chan result, 1)
	c.post(func() {
		data, salt, key, err := c.exportAccount(includeServer, password)
		res <- result{data, salt, key, err}
	})
	select {
	case r := <-res:
		return r.data, r.salt, r.key, r.err
	case <-c.done:
		return model.ExportData{}, nil, nil, fmt.Errorf("connector finalized")
	}
}

func (c *Connector) exportAccount(includeServer bool, password string) (model.ExportData, []byte, []byte, error) {
	if c.deviceID == uuid.Nil {
		return model.ExportData{}, nil, nil, fmt.Errorf("cannot export data without being registered on a server")
	}
	pNonce := make([]byte, 32)
	if _, err := c.crypto.RNG().Read(pNonce); err != nil {
		return model.ExportData{}, nil, nil, err
	}
	data := model.ExportData{
		Trusted:   password != "",
		PNonce:    pNonce,
		PartnerID: c.deviceID,
	}
	scheme, salt, key, err := c.crypto.GenerateExportKey(password)
	if err != nil {
		return model.ExportData{}, nil, nil, err
	}
	data.Scheme = scheme
	data.Cmac, err = c.crypto.CreateExportCmac(scheme, key, data.SignData())
	if err != nil {
		return model.ExportData{}, nil, nil, err
	}
	if includeServer {
		cfg := c.settings.RemoteConfig()
		data.Config = &cfg
	}
	c.exportsCache[string(pNonce)] = key
	return data, salt, key, nil
}

// SetSyncEnabled switches synchronization on or off and reconnects.
func (c *Connector) SetSyncEnabled(enabled bool) {
	c.post(func() {
		if c.settings.Enabled() == enabled {
			return
		}
		c.settings.SetEnabled(enabled)
		_ = c.settings.Flush()
		c.submit(EventReconnect)
	})
}

// SetDeviceName renames this device and reconnects so the server learns the
// new name.
func (c *Connector) SetDeviceName(name string) {
	c.post(func() {
		if c.settings.DeviceName() == name {
			return
		}
		c.settings.SetDeviceName(name)
		_ = c.settings.Flush()
		c.submit(EventReconnect)
	})
}

// ResetDeviceName reverts to the host name.
func (c *Connector) ResetDeviceName() {
	c.post(func() {
		if !c.settings.HasDeviceName() {
			return
		}
		c.settings.RemoveDeviceName()
		_ = c.settings.Flush()
		c.submit(EventReconnect)
	})
}

// requireIdle logs and drops a request outside the idle state.
func (c *Connector) requireIdle(what string) bool {
	if c.machine.IsIdle() {
		return true
	}
	c.log.Warn("cannot "+what+" when not in idle state, ignoring request",
		zap.Stringer("state", c.machine.Current()))
	return false
}
