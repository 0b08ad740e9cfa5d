// Package gpio drives the status LEDs with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Indicator shows sensor connectivity and dose state on two outputs.
type Indicator interface {
	// SetConnected lights the connected LED while the sensor is subscribed.
	SetConnected(on bool) error

	// SetOverdue lights the overdue LED while any dose window is overdue.
	SetOverdue(on bool) error

	// Close switches the LEDs off and releases GPIO resources.
	Close() error
}

// Pin definitions (BCM numbering)
const (
	DefaultPinConnected = 17
	DefaultPinOverdue   = 27
)
