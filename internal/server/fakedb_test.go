package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/devsync/internal/errs"
	"github.com/and161185/devsync/internal/model"
	"github.com/and161185/devsync/internal/repository"
)

// fakeDB is an in-memory DatabaseController for session tests.
type fakeDB struct {
	mu         sync.Mutex
	keycount   map[uuid.UUID]uint32
	devices    map[uuid.UUID]*model.Device
	nextPK     int64
	nextIndex  uint64
	data       map[uint64]repository.Envelope
	dataKey    map[string]uint64
	states     map[int64]map[uint64]bool
	keychanges map[int64][]model.KeyChange
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		keycount:   make(map[uuid.UUID]uint32),
		devices:    make(map[uuid.UUID]*model.Device),
		data:       make(map[uint64]repository.Envelope),
		dataKey:    make(map[string]uint64),
		states:     make(map[int64]map[uint64]bool),
		keychanges: make(map[int64][]model.KeyChange),
	}
}

func (f *fakeDB) addDevice(device *model.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPK++
	device.ID = f.nextPK
	f.devices[device.DeviceID] = device
	if _, ok := f.keycount[device.UserID]; !ok {
		f.keycount[device.UserID] = 0
	}
}

func (f *fakeDB) CreateIdentity(_ context.Context, device *model.Device) (uuid.UUID, error) {
	user := uuid.Must(uuid.NewV4())
	device.UserID = user
	f.addDevice(device)
	return user, nil
}

func (f *fakeDB) Identify(_ context.Context, userID uuid.UUID, device *model.Device) error {
	f.mu.Lock()
	_, ok := f.keycount[userID]
	f.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	device.UserID = userID
	f.addDevice(device)
	return nil
}

func (f *fakeDB) DeviceByID(_ context.Context, deviceID uuid.UUID) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDB) UpdateDeviceName(_ context.Context, devicePK int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == devicePK {
			d.Name = name
		}
	}
	return nil
}

func (f *fakeDB) saveLocked(userID uuid.UUID, typ, key string, env repository.Envelope) uint64 {
	mapKey := fmt.Sprintf("%s/%s/%s", userID, typ, key)
	index, ok := f.dataKey[mapKey]
	if !ok {
		f.nextIndex++
		index = f.nextIndex
		f.dataKey[mapKey] = index
	}
	f.data[index] = env
	return index
}

func (f *fakeDB) SaveData(_ context.Context, userID, writerDeviceID uuid.UUID, typ, key string, env repository.Envelope) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.saveLocked(userID, typ, key, env)
	for _, d := range f.devices {
		if d.UserID != userID || d.DeviceID == writerDeviceID {
			continue
		}
		if f.states[d.ID] == nil {
			f.states[d.ID] = make(map[uint64]bool)
		}
		f.states[d.ID][index] = true
	}
	return index, nil
}

func (f *fakeDB) SaveDeviceData(_ context.Context, userID, targetDeviceID uuid.UUID, typ, key string, env repository.Envelope) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.saveLocked(userID, typ, key, env)
	if d, ok := f.devices[targetDeviceID]; ok && d.UserID == userID {
		if f.states[d.ID] == nil {
			f.states[d.ID] = make(map[uint64]bool)
		}
		f.states[d.ID][index] = true
	}
	return index, nil
}

func (f *fakeDB) PendingChanges(_ context.Context, devicePK int64) ([]model.PendingChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var indices []uint64
	for index := range f.states[devicePK] {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	var out []model.PendingChange
	for _, index := range indices {
		env := f.data[index]
		out = append(out, model.PendingChange{
			DataIndex: index,
			KeyIndex:  env.KeyIndex,
			Salt:      env.Salt,
			Data:      env.Data,
		})
	}
	return out, nil
}

func (f *fakeDB) PendingCount(_ context.Context, devicePK int64) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.states[devicePK])), nil
}

func (f *fakeDB) MarkAcked(_ context.Context, devicePK int64, dataIndex uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states[devicePK], dataIndex)
	return nil
}

func (f *fakeDB) ListDevices(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Device
	for _, d := range f.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDB) RemoveDevice(_ context.Context, userID, deviceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok || d.UserID != userID {
		return errs.ErrNotFound
	}
	delete(f.devices, deviceID)
	delete(f.states, d.ID)
	delete(f.keychanges, d.ID)
	return nil
}

func (f *fakeDB) UserKeyIndex(_ context.Context, userID uuid.UUID) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count, ok := f.keycount[userID]
	if !ok {
		return 0, errs.ErrNotFound
	}
	return count, nil
}

func (f *fakeDB) StoreNewKey(_ context.Context, userID uuid.UUID, keyIndex uint32, scheme string, updates map[uuid.UUID]model.KeyChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keycount[userID] >= keyIndex {
		return errs.ErrKeyIndex
	}
	f.keycount[userID] = keyIndex
	for deviceID, update := range updates {
		if d, ok := f.devices[deviceID]; ok && d.UserID == userID {
			update.Scheme = scheme
			update.KeyIndex = keyIndex
			f.keychanges[d.ID] = append(f.keychanges[d.ID], update)
		}
	}
	return nil
}

func (f *fakeDB) PendingKeyChanges(_ context.Context, devicePK int64) ([]model.KeyChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]model.KeyChange(nil), f.keychanges[devicePK]...)
	sort.Slice(out, func(i, j int) bool { return out[i].KeyIndex < out[j].KeyIndex })
	return out, nil
}

func (f *fakeDB) UpdateDeviceMac(_ context.Context, devicePK int64, keyIndex uint32, mac []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == devicePK {
			d.KeyMac = mac
		}
	}
	var kept []model.KeyChange
	for _, kc := range f.keychanges[devicePK] {
		if kc.KeyIndex > keyIndex {
			kept = append(kept, kc)
		}
	}
	f.keychanges[devicePK] = kept
	return nil
}
