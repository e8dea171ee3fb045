// Package ina260 provides a driver for the TI INA260 power monitor.
//
// The INA260 integrates its shunt, so current, bus voltage and power are read
// directly in fixed LSB units. Registers are 16-bit big-endian.
package ina260

import (
	"context"
	"errors"

	"tinygo.org/x/drivers"
)

// Address is the default 7-bit I2C address (A0 = A1 = GND)
const Address = 0x40

const (
	regConfig         = 0x00
	regCurrent        = 0x01
	regBusVoltage     = 0x02
	regPower          = 0x03
	regManufacturerID = 0xFE
	regDieID          = 0xFF

	manufacturerTI = 0x5449
	dieID          = 0x2270

	// LSB sizes
	currentLSBMicroAmp    = 1250
	busVoltageLSBMicroVol = 1250
	powerLSBMicroWatt     = 10000

	// configReset sets the RST bit
	configReset = 0x8000
)

// Errors returned by the driver.
var (
	ErrUnknownDevice = errors.New("ina260: unexpected manufacturer or die id")
)

// Device wraps an I2C connection to an INA260
type Device struct {
	bus     drivers.I2C
	Address uint16

	w [3]byte
	r [2]byte
}

// New creates a Device. It does not touch the bus.
func New(bus drivers.I2C) *Device {
	return &Device{bus: bus, Address: Address}
}

// Configure checks the identification registers
func (d *Device) Configure() error {
	mfr, err := d.readRegister(regManufacturerID)
	if err != nil {
		return err
	}
	die, err := d.readRegister(regDieID)
	if err != nil {
		return err
	}
	if mfr != manufacturerTI || die&0xFFF0 != dieID {
		return ErrUnknownDevice
	}
	return nil
}

// Reset restores the power-on configuration
func (d *Device) Reset() error {
	return d.writeRegister(regConfig, configReset)
}

// BusVoltage returns the bus voltage in microvolts
func (d *Device) BusVoltage() (int32, error) {
	raw, err := d.readRegister(regBusVoltage)
	if err != nil {
		return 0, err
	}
	return int32(raw) * busVoltageLSBMicroVol, nil
}

// Current returns the signed current in microamps
func (d *Device) Current() (int32, error) {
	raw, err := d.readRegister(regCurrent)
	if err != nil {
		return 0, err
	}
	return int32(int16(raw)) * currentLSBMicroAmp, nil
}

// Power returns the power in microwatts
func (d *Device) Power() (int32, error) {
	raw, err := d.readRegister(regPower)
	if err != nil {
		return 0, err
	}
	return int32(raw) * powerLSBMicroWatt, nil
}

// MeasureVCore reads the rail voltage in volts
func (d *Device) MeasureVCore(ctx context.Context) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	uv, err := d.BusVoltage()
	if err != nil {
		return 0, err
	}
	return float32(uv) / 1_000_000, nil
}

func (d *Device) readRegister(reg byte) (uint16, error) {
	d.w[0] = reg
	if err := d.bus.Tx(d.Address, d.w[:1], d.r[:2]); err != nil {
		return 0, err
	}
	return uint16(d.r[0])<<8 | uint16(d.r[1]), nil
}

func (d *Device) writeRegister(reg byte, val uint16) error {
	d.w[0] = reg
	d.w[1] = byte(val >> 8)
	d.w[2] = byte(val)
	return d.bus.Tx(d.Address, d.w[:3], nil)
}
