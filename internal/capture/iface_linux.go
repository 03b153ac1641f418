//go:build linux

package capture

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// checkInterface verifies that the interface exists and is administratively up.
func checkInterface(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: interface %s: %w", ErrCaptureUnavailable, name, err)
	}

	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return fmt.Errorf("%w: interface %s is down", ErrCaptureUnavailable, name)
	}
	return nil
}

