// Package gpio provides the shelf hardware with abstraction for testing.
// The real implementation uses the Linux GPIO character device to bit-bang an
// HX711 load-cell amplifier and to drive the latch relay.
// The fake implementations allow testing without hardware.
package gpio

import "github.com/sweeney/shelf-lock/internal/logic"

// LoadCell reads raw conversions from a load-cell amplifier.
type LoadCell interface {
	// Ready reports whether a conversion is waiting to be read.
	Ready() (bool, error)

	// ReadRaw returns the next signed 24-bit conversion.
	ReadRaw() (int32, error)

	// Close releases GPIO resources.
	Close() error
}

// Latch drives the compartment latch to one of two positions.
// There is no position sensor: Position reports the last commanded value.
type Latch interface {
	// Set commands the latch. Setting the current position again is not an
	// error; it only repeats the physical actuation.
	Set(pos logic.LockPosition) error

	// Position returns the last commanded position.
	Position() logic.LockPosition

	// Close drives the latch locked and releases GPIO resources.
	Close() error
}

// Pin definitions (BCM numbering)
const (
	DefaultPinLatch = 17 // relay driving the latch solenoid
	DefaultPinDout  = 5  // HX711 DOUT
	DefaultPinSck   = 6  // HX711 PD_SCK
)

// DefaultChip is the GPIO chip the pins live on.
const DefaultChip = "gpiochip0"
