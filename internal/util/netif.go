package util

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// IfExists checks that the egress listener interface is present on
// this host. Used by doctor, not by generation itself.
func IfExists(name string) error {
	if name == "" {
		return nil
	}
	_, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("interface %q not found: %w", name, err)
	}
	return nil
}
