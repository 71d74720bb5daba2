package wgtypes

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for the failure kinds shared by the kernel and userspace
// backends. Each is matched with errors.Is; the ones with a standard-library
// analogue wrap it so os.IsNotExist / os.IsPermission call sites keep
// working.
var (
	// ErrFamilyNotFound means the "wireguard" generic-netlink family is
	// not registered, typically because the kernel module is not loaded.
	ErrFamilyNotFound = fmt.Errorf("wireguard genetlink family not found: %w", os.ErrNotExist)

	// ErrNotExist means the named device does not exist or is not a
	// WireGuard interface.
	ErrNotExist = fmt.Errorf("wireguard device: %w", os.ErrNotExist)

	// ErrPermission means the operation requires elevated privileges
	// (CAP_NET_ADMIN, or ownership of the userspace control socket).
	ErrPermission = fmt.Errorf("wireguard device: %w", os.ErrPermission)

	// ErrMalformedAttribute means a device response was truncated or an
	// attribute payload had an unexpected size for its type.
	ErrMalformedAttribute = errors.New("malformed device attribute")

	// ErrIncompleteDump means a multi-message dump ended before the
	// kernel's done marker arrived.
	ErrIncompleteDump = errors.New("incomplete netlink dump")

	// ErrIncompleteSnapshot means a dump completed without ever carrying
	// the device name, so no coherent device state could be assembled.
	ErrIncompleteSnapshot = errors.New("incomplete device snapshot")

	// ErrInvalidName means an interface name is empty, too long, or
	// contains characters the kernel rejects.
	ErrInvalidName = errors.New("invalid interface name")
)
