package ds4432

import (
	"context"
)

// Feedback describes the resistor divider on a regulator's feedback pin
type Feedback struct {
	VFB float32 // reference voltage in volts
	RA  float32 // output to FB, ohms
	RB  float32 // FB to ground, ohms
}

// TPS40305 is the feedback network of the Bitaxe Max and Ultra core regulator
var TPS40305 = Feedback{VFB: 0.6, RA: 4990, RB: 3320}

// VCore sets a regulator output voltage through one DS4432 output wired to its
// feedback node.
type VCore struct {
	dac    *Device
	output Output
	fb     Feedback
}

// NewVCore binds out of dac to the feedback network fb
func NewVCore(dac *Device, out Output, fb Feedback) *VCore {
	return &VCore{dac: dac, output: out, fb: fb}
}

// Injection returns the current in microamps that produces volts at the
// output. Positive values are sourced into the feedback node.
func (v *VCore) Injection(volts float32) float32 {
	irb := v.fb.VFB * 1_000_000 / v.fb.RB
	ira := (volts - v.fb.VFB) * 1_000_000 / v.fb.RA
	return irb - ira
}

// SetVCore programs the DAC for the requested output voltage
func (v *VCore) SetVCore(ctx context.Context, volts float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.dac.SetCurrent(v.output, v.Injection(volts))
}
