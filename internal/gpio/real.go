//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealIndicator drives LEDs on actual hardware using the Linux GPIO character device.
type RealIndicator struct {
	chip *gpiocdev.Chip

	mu        sync.Mutex
	connected *gpiocdev.Line
	overdue   *gpiocdev.Line
}

// NewRealIndicator requests both pins as outputs, initially low.
func NewRealIndicator(pinConnected, pinOverdue int) (*RealIndicator, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	connLine, err := chip.RequestLine(pinConnected, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request connected pin %d: %w", pinConnected, err)
	}

	overdueLine, err := chip.RequestLine(pinOverdue, gpiocdev.AsOutput(0))
	if err != nil {
		connLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request overdue pin %d: %w", pinOverdue, err)
	}

	return &RealIndicator{
		chip:      chip,
		connected: connLine,
		overdue:   overdueLine,
	}, nil
}

// SetConnected drives the connected LED.
func (r *RealIndicator) SetConnected(on bool) error {
	return r.set(r.connected, "connected", on)
}

// SetOverdue drives the overdue LED.
func (r *RealIndicator) SetOverdue(on bool) error {
	return r.set(r.overdue, "overdue", on)
}

func (r *RealIndicator) set(line *gpiocdev.Line, name string, on bool) error {
	v := 0
	if on {
		v = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set %s pin: %w", name, err)
	}
	return nil
}

// Close releases GPIO resources.
// Pins go back to input with pull-down (Pi boot defaults) so the LEDs are
// dark and nothing holds the lines during the next boot.
func (r *RealIndicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, line := range map[string]*gpiocdev.Line{"connected": r.connected, "overdue": r.overdue} {
		if line == nil {
			continue
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
