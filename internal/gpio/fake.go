package gpio

import (
	"errors"

	"github.com/sweeney/shelf-lock/internal/logic"
)

// FakeLoadCell is a test double that returns scripted raw conversions.
type FakeLoadCell struct {
	// Values contains scripted raw conversions to return.
	// Each call to ReadRaw() consumes the next value.
	Values []int32

	// index tracks current position in Values
	index int

	// NotReady makes Ready() report false forever.
	NotReady bool

	// ReadyChecks counts calls to Ready().
	ReadyChecks int

	// Reads counts successful calls to ReadRaw().
	Reads int

	// ReadError, if set, will be returned by ReadRaw()
	ReadError error

	// Closed tracks if Close was called
	Closed bool
}

// NewFakeLoadCell creates a FakeLoadCell with the given conversions.
func NewFakeLoadCell(values ...int32) *FakeLoadCell {
	return &FakeLoadCell{Values: values}
}

// Ready reports whether the fake has a conversion available.
func (f *FakeLoadCell) Ready() (bool, error) {
	f.ReadyChecks++
	return !f.NotReady, nil
}

// ReadRaw returns the next scripted conversion.
// If values are exhausted, returns the last value repeatedly.
func (f *FakeLoadCell) ReadRaw() (int32, error) {
	if f.ReadError != nil {
		return 0, f.ReadError
	}

	if len(f.Values) == 0 {
		return 0, errors.New("no values configured")
	}

	v := f.Values[f.index]
	if f.index < len(f.Values)-1 {
		f.index++
	}
	f.Reads++

	return v, nil
}

// Script replaces the remaining conversions.
func (f *FakeLoadCell) Script(values ...int32) {
	f.Values = values
	f.index = 0
}

// Close marks the load cell as closed.
func (f *FakeLoadCell) Close() error {
	f.Closed = true
	return nil
}

// FakeLatch records every actuation for test assertions.
type FakeLatch struct {
	// Actuations contains every position passed to Set, in order.
	Actuations []logic.LockPosition

	// SetError, if set, will be returned by Set (the position is still recorded).
	SetError error

	// Closed tracks if Close was called
	Closed bool

	pos logic.LockPosition
}

// NewFakeLatch creates a FakeLatch in the locked position.
func NewFakeLatch() *FakeLatch {
	return &FakeLatch{pos: logic.Locked}
}

// Set records the commanded position.
func (f *FakeLatch) Set(pos logic.LockPosition) error {
	f.Actuations = append(f.Actuations, pos)
	f.pos = pos
	return f.SetError
}

// Position returns the last commanded position.
func (f *FakeLatch) Position() logic.LockPosition {
	return f.pos
}

// Close drives the fake locked and marks it closed.
func (f *FakeLatch) Close() error {
	if f.pos != logic.Locked {
		f.Set(logic.Locked)
	}
	f.Closed = true
	return nil
}
