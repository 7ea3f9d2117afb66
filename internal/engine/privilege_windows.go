package engine

import (
	"golang.org/x/sys/windows"

	pkgerrors "tunstack/pkg/errors"
)

// checkPrivileges returns ErrNotRoot unless the process token is elevated.
func checkPrivileges() error {
	if !windows.GetCurrentProcessToken().IsElevated() {
		return pkgerrors.ErrNotRoot
	}
	return nil
}
