//go:build !linux

package capture

import (
	"fmt"
	"net"
)

// checkInterface verifies that the interface exists and is up.
func checkInterface(name string) error {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("%w: interface %s: %w", ErrCaptureUnavailable, name, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return fmt.Errorf("%w: interface %s is down", ErrCaptureUnavailable, name)
	}
	return nil
}

