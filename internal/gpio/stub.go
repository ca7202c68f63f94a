//go:build !linux

package gpio

import (
	"errors"

	"github.com/sweeney/shelf-lock/internal/logic"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// HX711 is not available on non-Linux platforms.
type HX711 struct{}

// NewHX711 returns an error on non-Linux platforms.
func NewHX711(chipName string, pinDout, pinSck int) (*HX711, error) {
	return nil, errUnsupported
}

// Ready is not implemented on non-Linux platforms.
func (h *HX711) Ready() (bool, error) { return false, errUnsupported }

// ReadRaw is not implemented on non-Linux platforms.
func (h *HX711) ReadRaw() (int32, error) { return 0, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (h *HX711) Close() error { return nil }

// RelayLatch is not available on non-Linux platforms.
type RelayLatch struct{}

// NewRelayLatch returns an error on non-Linux platforms.
func NewRelayLatch(chipName string, pin int, activeLow bool) (*RelayLatch, error) {
	return nil, errUnsupported
}

// Set is not implemented on non-Linux platforms.
func (l *RelayLatch) Set(pos logic.LockPosition) error { return errUnsupported }

// Position always reports locked on non-Linux platforms.
func (l *RelayLatch) Position() logic.LockPosition { return logic.Locked }

// Close is not implemented on non-Linux platforms.
func (l *RelayLatch) Close() error { return nil }
