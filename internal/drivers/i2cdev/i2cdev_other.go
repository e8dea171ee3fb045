//go:build !linux

package i2cdev

import "errors"

// Open reports that no I2C adapter is reachable on this platform
func Open(path string) (*Bus, error) {
	return nil, errors.New("i2cdev: " + path + ": not supported on this platform")
}

// Tx always fails on this platform
func (b *Bus) Tx(uint16, []byte, []byte) error {
	return ErrClosed
}

// Close is a no-op on this platform
func (b *Bus) Close() error {
	return nil
}
