//go:build linux

package gpio

import (
	"fmt"

	"github.com/sweeney/shelf-lock/internal/logic"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "shelf-lock"

// HX711 reads a load-cell amplifier by bit-banging DOUT and PD_SCK.
// Channel A with gain 128 is selected by the 25th clock pulse.
type HX711 struct {
	chip *gpiocdev.Chip
	dout *gpiocdev.Line
	sck  *gpiocdev.Line
}

// NewHX711 requests the DOUT and PD_SCK lines on the given chip.
func NewHX711(chipName string, pinDout, pinSck int) (*HX711, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	dout, err := chip.RequestLine(pinDout, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request DOUT pin %d: %w", pinDout, err)
	}

	// PD_SCK idles low; holding it high for >60us powers the HX711 down.
	sck, err := chip.RequestLine(pinSck, gpiocdev.AsOutput(0))
	if err != nil {
		dout.Close()
		chip.Close()
		return nil, fmt.Errorf("request SCK pin %d: %w", pinSck, err)
	}

	return &HX711{chip: chip, dout: dout, sck: sck}, nil
}

// Ready reports whether DOUT has gone low, signalling a finished conversion.
func (h *HX711) Ready() (bool, error) {
	v, err := h.dout.Value()
	if err != nil {
		return false, fmt.Errorf("read DOUT pin: %w", err)
	}
	return v == 0, nil
}

// ReadRaw clocks out one 24-bit two's complement conversion.
func (h *HX711) ReadRaw() (int32, error) {
	var v uint32
	for i := 0; i < 24; i++ {
		if err := h.sck.SetValue(1); err != nil {
			return 0, fmt.Errorf("clock high: %w", err)
		}
		bit, err := h.dout.Value()
		if err != nil {
			return 0, fmt.Errorf("read DOUT pin: %w", err)
		}
		if err := h.sck.SetValue(0); err != nil {
			return 0, fmt.Errorf("clock low: %w", err)
		}
		v = v<<1 | uint32(bit&1)
	}

	// Gain pulse for the next conversion.
	if err := h.sck.SetValue(1); err != nil {
		return 0, fmt.Errorf("clock high: %w", err)
	}
	if err := h.sck.SetValue(0); err != nil {
		return 0, fmt.Errorf("clock low: %w", err)
	}

	return signExtend24(v), nil
}

// Close releases GPIO resources, leaving PD_SCK low.
func (h *HX711) Close() error {
	var errs []error

	if h.sck != nil {
		if err := h.sck.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("reset SCK pin: %w", err))
		}
		if err := h.sck.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close SCK pin: %w", err))
		}
	}
	if h.dout != nil {
		if err := h.dout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close DOUT pin: %w", err))
		}
	}
	if h.chip != nil {
		if err := h.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RelayLatch drives the latch relay from one output line.
// With activeLow the line is driven low to unlock.
type RelayLatch struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
	pos  logic.LockPosition
}

// NewRelayLatch requests the latch line and drives it to the locked position.
func NewRelayLatch(chipName string, pin int, activeLow bool) (*RelayLatch, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(pin, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request latch pin %d: %w", pin, err)
	}

	return &RelayLatch{chip: chip, line: line, pos: logic.Locked}, nil
}

// Set drives the relay. The logical line value 1 means unlocked.
func (l *RelayLatch) Set(pos logic.LockPosition) error {
	value := 0
	if pos == logic.Unlocked {
		value = 1
	}
	if err := l.line.SetValue(value); err != nil {
		return fmt.Errorf("drive latch to %s: %w", pos, err)
	}
	l.pos = pos
	return nil
}

// Position returns the last commanded position.
func (l *RelayLatch) Position() logic.LockPosition {
	return l.pos
}

// Close locks the compartment before releasing the line, so that a daemon
// restart never leaves the door open.
func (l *RelayLatch) Close() error {
	var errs []error

	if l.line != nil {
		if err := l.Set(logic.Locked); err != nil {
			errs = append(errs, err)
		}
		if err := l.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close latch pin: %w", err))
		}
	}
	if l.chip != nil {
		if err := l.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
