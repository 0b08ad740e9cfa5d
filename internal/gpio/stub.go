//go:build !linux

package gpio

import "errors"

// RealIndicator is not available on non-Linux platforms.
type RealIndicator struct{}

// NewRealIndicator returns an error on non-Linux platforms.
func NewRealIndicator(pinConnected, pinOverdue int) (*RealIndicator, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetConnected is not implemented on non-Linux platforms.
func (r *RealIndicator) SetConnected(on bool) error {
	return errors.New("gpio: not supported")
}

// SetOverdue is not implemented on non-Linux platforms.
func (r *RealIndicator) SetOverdue(on bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealIndicator) Close() error {
	return nil
}
