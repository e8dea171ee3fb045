// Package i2cdev exposes a Linux I2C adapter (/dev/i2c-N) as a
// tinygo.org/x/drivers.I2C bus, so the same peripheral drivers run on a
// microcontroller and on a Linux controller board.
package i2cdev

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Tx after Close
var ErrClosed = errors.New("i2cdev: bus closed")

// Bus is an open I2C adapter. Transfers are serialized so several drivers
// can share one adapter.
type Bus struct {
	path string

	mu sync.Mutex
	fd int
}

// Path returns the device node the bus was opened from
func (b *Bus) Path() string {
	return b.path
}
