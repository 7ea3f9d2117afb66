// Package paths locates the per-user directories of tunstack.
//
// The engine usually runs under sudo, so every location is resolved for
// the invoking user and directories created as root are handed back to
// them.
package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

const appName = "tunstack"

// HomeDir returns the home directory of the invoking user, even under sudo.
func HomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// RealUser returns the UID and GID of the invoking user when running under
// sudo. ok is false otherwise.
func RealUser() (uid, gid int, ok bool) {
	u, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil {
		return 0, 0, false
	}
	g, _ := strconv.Atoi(os.Getenv("SUDO_GID"))
	return u, g, true
}

// ChownToRealUser gives path back to the invoking user under sudo.
func ChownToRealUser(path string) {
	if uid, gid, ok := RealUser(); ok {
		_ = os.Chown(path, uid, gid)
	}
}

func ensure(elem ...string) (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(append([]string{home}, elem...)...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	ChownToRealUser(dir)
	return dir, nil
}

// CacheDir returns ~/.cache/tunstack, where logs are written.
func CacheDir() (string, error) { return ensure(".cache", appName) }

// DataDir returns ~/.local/share/tunstack, where the run database lives.
func DataDir() (string, error) { return ensure(".local", "share", appName) }

// ConfigDir returns ~/.config/tunstack.
func ConfigDir() (string, error) { return ensure(".config", appName) }

// DBPath returns the default location of the run database.
func DBPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName+".db"), nil
}

// LogPath returns the default location of the engine log file.
func LogPath() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "engine.log"), nil
}

// ConfigFile returns the default options file. It may not exist.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
