// Package ds4432 provides a driver for the Maxim DS4432 dual current DAC, and
// VCore, which sets a buck converter's output by injecting current into its
// feedback node.
package ds4432

import (
	"errors"

	"github.com/chewxy/math32"
	"tinygo.org/x/drivers"
)

// Address is the fixed 7-bit I2C address
const Address = 0x48

// Output selects one of the two current outputs
type Output int

const (
	Output0 Output = iota
	Output1
)

const (
	regOut0 = 0xF8
	regOut1 = 0xF9

	sourceBit = 0x80
	maxCode   = 127

	// vRFS is the full-scale reference voltage across RFS
	vRFS = 0.997
)

// Errors returned by the driver.
var (
	ErrOutOfRange    = errors.New("ds4432: current exceeds full scale")
	ErrNoRFS         = errors.New("ds4432: output has no full-scale resistor")
	ErrInvalidOutput = errors.New("ds4432: invalid output")
)

// Device wraps an I2C connection to a DS4432
type Device struct {
	bus     drivers.I2C
	Address uint16

	// RFS holds the full-scale resistor of each output in ohms; 0 means not fitted.
	RFS [2]float32

	w [2]byte
	r [1]byte
}

// New creates a Device with the given full-scale resistors
func New(bus drivers.I2C, rfs0, rfs1 float32) *Device {
	return &Device{bus: bus, Address: Address, RFS: [2]float32{rfs0, rfs1}}
}

// FullScale returns the output's full-scale current in microamps
func (d *Device) FullScale(out Output) (float32, error) {
	if out != Output0 && out != Output1 {
		return 0, ErrInvalidOutput
	}
	rfs := d.RFS[out]
	if rfs <= 0 {
		return 0, ErrNoRFS
	}
	return vRFS / rfs * maxCode / 16 * 1_000_000, nil
}

// SetCurrent drives out with microamps. Positive values source current,
// negative values sink it.
func (d *Device) SetCurrent(out Output, microamps float32) error {
	fs, err := d.FullScale(out)
	if err != nil {
		return err
	}

	code := math32.Floor(math32.Abs(microamps)/fs*maxCode + 0.5)
	if code > maxCode {
		return ErrOutOfRange
	}

	val := byte(code)
	if microamps > 0 && val != 0 {
		val |= sourceBit
	}
	return d.writeRegister(register(out), val)
}

// Current reads back the programmed current of out in microamps
func (d *Device) Current(out Output) (float32, error) {
	fs, err := d.FullScale(out)
	if err != nil {
		return 0, err
	}

	val, err := d.readRegister(register(out))
	if err != nil {
		return 0, err
	}

	ua := float32(val&maxCode) / maxCode * fs
	if val&sourceBit == 0 {
		ua = -ua
	}
	return ua, nil
}

func register(out Output) byte {
	if out == Output1 {
		return regOut1
	}
	return regOut0
}

func (d *Device) readRegister(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.bus.Tx(d.Address, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}

func (d *Device) writeRegister(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	return d.bus.Tx(d.Address, d.w[:2], nil)
}
