//go:build !linux

package ble

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("ble: BlueZ transport requires Linux")

// BlueZTransport is not available on non-Linux platforms.
type BlueZTransport struct{}

// NewBlueZTransport returns an error on non-Linux platforms.
func NewBlueZTransport(adapter, deviceName string) (*BlueZTransport, error) {
	return nil, errUnsupported
}

// Close is a no-op.
func (t *BlueZTransport) Close() error { return nil }

func (t *BlueZTransport) RequestDevice(ctx context.Context, serviceUUID string) (string, error) {
	return "", errUnsupported
}

func (t *BlueZTransport) Connect(ctx context.Context, device string, onDisconnect func(error)) error {
	return errUnsupported
}

func (t *BlueZTransport) ResolveService(ctx context.Context, device, uuid string) (string, error) {
	return "", errUnsupported
}

func (t *BlueZTransport) ResolveCharacteristic(ctx context.Context, service, uuid string) (string, error) {
	return "", errUnsupported
}

func (t *BlueZTransport) StartNotify(ctx context.Context, char string, onValue func([]byte)) error {
	return errUnsupported
}

func (t *BlueZTransport) StopNotify(char string) error { return errUnsupported }

func (t *BlueZTransport) Disconnect(device string) error { return errUnsupported }
