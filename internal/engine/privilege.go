//go:build !windows

package engine

import (
	"os"

	pkgerrors "tunstack/pkg/errors"
)

// checkPrivileges returns ErrNotRoot unless running as root.
func checkPrivileges() error {
	if os.Geteuid() != 0 {
		return pkgerrors.ErrNotRoot
	}
	return nil
}
