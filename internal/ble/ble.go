// Package ble runs the sensor connection lifecycle over Bluetooth Low Energy.
//
// The Manager drives discovery, connection, GATT service and characteristic
// resolution and notification subscription against a Transport. The real
// transport talks to BlueZ over D-Bus; FakeTransport allows testing without
// hardware.
package ble

import (
	"context"
	"errors"
)

// Default GATT profile of the sensor firmware.
const (
	DefaultServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DefaultCharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	DefaultDeviceName         = "MediMinderBLE"
)

// Transport is the platform wireless stack. Handles returned by one call are
// passed back verbatim to later calls. Callbacks may be invoked on any
// goroutine.
type Transport interface {
	// RequestDevice blocks until a device offering serviceUUID is selected.
	RequestDevice(ctx context.Context, serviceUUID string) (device string, err error)

	// Connect opens the link to device. onDisconnect is called when the link
	// drops for any reason after Connect has returned successfully.
	Connect(ctx context.Context, device string, onDisconnect func(reason error)) error

	// ResolveService finds the primary service with the given UUID.
	ResolveService(ctx context.Context, device, uuid string) (service string, err error)

	// ResolveCharacteristic finds the characteristic with the given UUID.
	ResolveCharacteristic(ctx context.Context, service, uuid string) (char string, err error)

	// StartNotify enables notifications; onValue receives each payload.
	StartNotify(ctx context.Context, char string, onValue func(payload []byte)) error

	// StopNotify disables notifications on char.
	StopNotify(char string) error

	// Disconnect tears down the link to device.
	Disconnect(device string) error
}

// Connection failure taxonomy. Errors returned by the Manager wrap one of
// these; use errors.Is.
var (
	ErrBusy                      = errors.New("connection attempt already in progress")
	ErrDiscoveryCancelled        = errors.New("device selection cancelled")
	ErrConnectTimeout            = errors.New("connect timed out")
	ErrConnectFailed             = errors.New("connect failed")
	ErrServiceUnavailable        = errors.New("service unavailable")
	ErrCharacteristicUnavailable = errors.New("characteristic unavailable")
	ErrSubscriptionFailed        = errors.New("enabling notifications failed")
	ErrSpontaneousDisconnect     = errors.New("device disconnected")
	ErrAborted                   = errors.New("connect attempt superseded")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateBound
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovering:
		return "DISCOVERING"
	case StateConnecting:
		return "CONNECTING"
	case StateBound:
		return "BOUND"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}
