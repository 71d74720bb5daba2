//go:build linux

package wglink

import "github.com/kuuji/wglink/wgtypes"

// Error kinds returned by Client operations, re-exported from wgtypes so
// callers of this package rarely need a second import. ErrNotExist and
// ErrPermission also match os.ErrNotExist and os.ErrPermission under
// errors.Is.
var (
	ErrNotExist           = wgtypes.ErrNotExist
	ErrPermission         = wgtypes.ErrPermission
	ErrFamilyNotFound     = wgtypes.ErrFamilyNotFound
	ErrMalformedAttribute = wgtypes.ErrMalformedAttribute
	ErrIncompleteDump     = wgtypes.ErrIncompleteDump
	ErrIncompleteSnapshot = wgtypes.ErrIncompleteSnapshot
	ErrInvalidName        = wgtypes.ErrInvalidName
	ErrInvalidKey         = wgtypes.ErrInvalidKey
)
