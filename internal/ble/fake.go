package ble

import (
	"context"
	"errors"
	"sync"
)

// FakeTransport is a test double that scripts a single peripheral.
type FakeTransport struct {
	mu sync.Mutex

	// Device is the handle returned by RequestDevice.
	Device string
	// Service and Char are the handles returned by resolution.
	Service string
	Char    string

	// Errors returned by the corresponding calls, if set.
	RequestErr        error
	ConnectErr        error
	ServiceErr        error
	CharacteristicErr error
	NotifyErr         error

	// Hang, if non-nil, makes Connect block until it is closed, ignoring
	// context cancellation like a platform stack that cannot abort a connect.
	Hang chan struct{}

	// Recorded calls.
	Connects     int
	Disconnects  int
	StopNotifies int
	Linked       bool
	Notifying    bool

	onDisconnect func(error)
	onValue      func([]byte)
}

// NewFakeTransport creates a FakeTransport with fixed handles.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Device:  "fake-device",
		Service: "fake-device/service0001",
		Char:    "fake-device/service0001/char0002",
	}
}

// RequestDevice returns Device or RequestErr.
func (f *FakeTransport) RequestDevice(ctx context.Context, serviceUUID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RequestErr != nil {
		return "", f.RequestErr
	}
	return f.Device, nil
}

// Connect records the disconnect callback and links the fake device.
func (f *FakeTransport) Connect(ctx context.Context, device string, onDisconnect func(error)) error {
	f.mu.Lock()
	hang := f.Hang
	f.mu.Unlock()

	if hang != nil {
		<-hang
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.Linked = true
	f.onDisconnect = onDisconnect
	return nil
}

// ResolveService returns Service or ServiceErr.
func (f *FakeTransport) ResolveService(ctx context.Context, device, uuid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ServiceErr != nil {
		return "", f.ServiceErr
	}
	return f.Service, nil
}

// ResolveCharacteristic returns Char or CharacteristicErr.
func (f *FakeTransport) ResolveCharacteristic(ctx context.Context, service, uuid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CharacteristicErr != nil {
		return "", f.CharacteristicErr
	}
	return f.Char, nil
}

// StartNotify records the value callback.
func (f *FakeTransport) StartNotify(ctx context.Context, char string, onValue func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.Notifying = true
	f.onValue = onValue
	return nil
}

// StopNotify clears the value callback.
func (f *FakeTransport) StopNotify(char string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopNotifies++
	f.Notifying = false
	f.onValue = nil
	return nil
}

// Disconnect unlinks the fake device.
func (f *FakeTransport) Disconnect(device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnects++
	f.Linked = false
	f.Notifying = false
	f.onDisconnect = nil
	f.onValue = nil
	return nil
}

// Push simulates the device sending a notification.
func (f *FakeTransport) Push(payload []byte) error {
	f.mu.Lock()
	fn := f.onValue
	f.mu.Unlock()
	if fn == nil {
		return errors.New("fake: notifications not enabled")
	}
	fn(payload)
	return nil
}

// Drop simulates the link going away without being asked to.
func (f *FakeTransport) Drop(reason error) error {
	f.mu.Lock()
	fn := f.onDisconnect
	f.Linked = false
	f.Notifying = false
	f.onDisconnect = nil
	f.onValue = nil
	f.mu.Unlock()
	if fn == nil {
		return errors.New("fake: not connected")
	}
	fn(reason)
	return nil
}

// DisconnectCount returns the number of Disconnect calls.
func (f *FakeTransport) DisconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Disconnects
}
