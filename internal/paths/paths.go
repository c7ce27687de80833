package paths

import (
	"os"
	"path/filepath"
)

// DefaultFirstPort is the lowest port handed out to apps.
const DefaultFirstPort = 8000

const (
	binaryName = "app"
	dataName   = "data"
)

// Layout maps app names to their on-disk locations under a data directory:
//
//	<root>/binarydrop.db
//	<root>/apps/<name>/app
//	<root>/apps/<name>/data/
//	<root>/apps/<name>/<name>.log
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: filepath.Clean(root)} }

// DefaultRoot returns $XDG_DATA_HOME/binarydrop or ~/.local/share/binarydrop.
func DefaultRoot() string {
	if x := os.Getenv("XDG_DATA_HOME"); x != "" {
		return filepath.Join(x, "binarydrop")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "binarydrop")
	}
	return filepath.Join(home, ".local", "share", "binarydrop")
}

func (l Layout) DBPath() string            { return filepath.Join(l.Root, "binarydrop.db") }
func (l Layout) AppsDir() string           { return filepath.Join(l.Root, "apps") }
func (l Layout) AppDir(name string) string { return filepath.Join(l.AppsDir(), name) }
func (l Layout) BinaryPath(name string) string {
	return filepath.Join(l.AppDir(name), binaryName)
}
func (l Layout) DataDir(name string) string { return filepath.Join(l.AppDir(name), dataName) }
func (l Layout) LogPath(name string) string {
	return filepath.Join(l.AppDir(name), name+".log")
}

// Ensure creates the app and data directories.
func (l Layout) Ensure(name string) error {
	return os.MkdirAll(l.DataDir(name), 0o750)
}

// Remove deletes everything stored for name.
func (l Layout) Remove(name string) error {
	return os.RemoveAll(l.AppDir(name))
}

// NextPort returns the lowest port >= first that is not in used.
func NextPort(used []int, first int) int {
	if first <= 0 {
		first = DefaultFirstPort
	}
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	p := first
	for {
		if _, ok := taken[p]; !ok {
			return p
		}
		p++
	}
}
