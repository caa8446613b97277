package connector

import (
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/devsync/internal/model"
)

// RemoteState is the coarse connection status reported to the owner.
type RemoteState uint8

// Remote states.
const (
	RemoteDisconnected RemoteState = iota
	RemoteConnecting
	RemoteReady
	RemoteReadyWithChanges
)

// String returns the status name.
func (s RemoteState) String() string {
	switch s {
	case RemoteConnecting:
		return "RemoteConnecting"
	case RemoteReady:
		return "RemoteReady"
	case RemoteReadyWithChanges:
		return "RemoteReadyWithChanges"
	default:
		return "RemoteDisconnected"
	}
}

// Notification is a completion event delivered to the owning store. All
// notifications originate on the connector loop.
type Notification interface{ notification() }

// RemoteEvent reports a connection status change.
type RemoteEvent struct{ State RemoteState }

// UploadLimit reports the server's maximum payload size.
type UploadLimit struct{ Limit uint32 }

// UploadDone confirms an uploaded change.
type UploadDone struct {
	DataID uint64
}

// DeviceUploadDone confirms an uploaded per-device change.
type DeviceUploadDone struct {
	DataID   uint64
	DeviceID uuid.UUID
}

// DownloadData delivers one decrypted downloaded change.
type DownloadData struct {
	DataIndex uint64
	Data      []byte
}

// ProgressAdded announces the estimated size of a started download.
type ProgressAdded struct{ Estimate uint32 }

// DevicesListed delivers the account's device list.
type DevicesListed struct{ Devices []model.DeviceInfo }

// LoginRequested asks the owner to accept or deny an import proof via
// LoginReply.
type LoginRequested struct{ Device model.DeviceInfo }

// AccountAccessGranted reports an accepted import partner.
type AccountAccessGranted struct{ DeviceID uuid.UUID }

// ImportCompleted reports a finished account import on the importing device.
type ImportCompleted struct{}

// ControllerError reports an unrecoverable failure as a user-visible string.
type ControllerError struct{ Message string }

// Finalized reports a completed shutdown.
type Finalized struct{}

func (RemoteEvent) notification()          {}
func (UploadLimit) notification()          {}
func (UploadDone) notification()           {}
func (DeviceUploadDone) notification()     {}
func (DownloadData) notification()         {}
func (ProgressAdded) notification()        {}
func (DevicesListed) notification()        {}
func (LoginRequested) notification()       {}
func (AccountAccessGranted) notification() {}
func (ImportCompleted) notification()      {}
func (ControllerError) notification()      {}
func (Finalized) notification()            {}
