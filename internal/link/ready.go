package link

import (
	"context"
	"net"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
)

// WaitUntil polls pred every interval until it holds or ctx is done
func WaitUntil(ctx context.Context, interval time.Duration, pred func() bool) error {
	if pred() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if pred() {
				return nil
			}
		}
	}
}

// InterfaceAddress returns the first IPv4 address assigned to the named
// interface
func InterfaceAddress(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLink, "interface_address", "interface not found").
			WithContext("interface", name)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLink, "interface_address", "failed to list addresses").
			WithContext("interface", name)
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, errors.New(errors.ErrorTypeLink, "interface_address", "no IPv4 address assigned").
		WithContext("interface", name)
}

// HasIPv4 returns a predicate for WaitUntil that holds once name has an IPv4
// address
func HasIPv4(name string) func() bool {
	return func() bool {
		_, err := InterfaceAddress(name)
		return err == nil
	}
}
