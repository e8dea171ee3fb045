package ds4432

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"
)

var _ drivers.I2C = (*fakeI2C)(nil)

// fakeI2C models the two DS4432 output registers
type fakeI2C struct {
	regs map[byte]byte
	addr uint16
	err  error
}

func newFakeI2C() *fakeI2C {
	return &fakeI2C{regs: map[byte]byte{}}
}

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if f.err != nil {
		return f.err
	}
	f.addr = addr
	switch {
	case len(w) == 2 && len(r) == 0:
		f.regs[w[0]] = w[1]
	case len(w) == 1 && len(r) == 1:
		r[0] = f.regs[w[0]]
	default:
		return errors.New("unexpected transfer")
	}
	return nil
}

func TestFullScale(t *testing.T) {
	d := New(newFakeI2C(), 80_000, 0)

	fs, err := d.FullScale(Output0)
	require.NoError(t, err)
	assert.InDelta(t, 98.92, fs, 0.01)

	_, err = d.FullScale(Output1)
	assert.ErrorIs(t, err, ErrNoRFS)

	_, err = d.FullScale(Output(3))
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestSetCurrent(t *testing.T) {
	tests := []struct {
		name      string
		out       Output
		microamps float32
		wantReg   byte
		wantVal   byte
		wantErr   error
	}{
		{"source full scale", Output0, 98.93, regOut0, 0x80 | 127, nil},
		{"sink half scale", Output0, -49.47, regOut0, 64, nil},
		{"zero", Output0, 0, regOut0, 0, nil},
		{"second output", Output1, 10, regOut1, 0x80 | 13, nil},
		{"over full scale", Output0, 120, 0, 0, ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newFakeI2C()
			d := New(bus, 80_000, 80_000)

			err := d.SetCurrent(tt.out, tt.microamps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, bus.regs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint16(Address), bus.addr)
			assert.Equal(t, tt.wantVal, bus.regs[tt.wantReg])
		})
	}
}

func TestCurrentReadBack(t *testing.T) {
	bus := newFakeI2C()
	d := New(bus, 80_000, 0)

	require.NoError(t, d.SetCurrent(Output0, -30))
	ua, err := d.Current(Output0)
	require.NoError(t, err)
	assert.InDelta(t, -30, ua, 0.4)
}

func TestVCoreInjection(t *testing.T) {
	v := NewVCore(New(newFakeI2C(), 80_000, 0), Output0, TPS40305)

	// 0.6 V is the reference itself: only the bottom resistor draws current
	assert.InDelta(t, 180.72, v.Injection(0.6), 0.01)
	assert.InDelta(t, 20.40, v.Injection(1.4), 0.01)
	assert.InDelta(t, 60.48, v.Injection(1.2), 0.01)
	// above the divider's natural output the DAC sinks
	assert.Less(t, v.Injection(1.6), float32(0))
}

func TestVCoreSetVCore(t *testing.T) {
	bus := newFakeI2C()
	v := NewVCore(New(bus, 80_000, 0), Output0, TPS40305)

	require.NoError(t, v.SetVCore(context.Background(), 1.2))
	// 60.48 µA at 0.779 µA per step
	assert.Equal(t, byte(0x80|78), bus.regs[regOut0])

	require.NoError(t, v.SetVCore(context.Background(), 1.4))
	assert.Equal(t, byte(0x80|26), bus.regs[regOut0])

	bus.err = errors.New("nack")
	assert.Error(t, v.SetVCore(context.Background(), 1.4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, v.SetVCore(ctx, 1.4), context.Canceled)
}
