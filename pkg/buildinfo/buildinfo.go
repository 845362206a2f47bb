package buildinfo

import (
	"os"
	"path/filepath"
)

// Version is set by the linker, eg -ldflags "-X github.com/cyclopcam/livedetect/pkg/buildinfo.Version=1.2.0"
var Version = "dev"

// Multiarch is filled in by the Debian build system.
// It's the directory you see in /usr/lib/XXX, such as /usr/lib/x86_64-linux-gnu, or /usr/lib/aarch64-linux-gnu.
// If the value of Multiarch is "unknown", then we ignore this path.
var Multiarch = "unknown"

// LibraryPaths returns the places where we look for a shared library, in order of preference.
// The directory of our own executable comes first, so that a bundled library wins.
func LibraryPaths(name string) []string {
	paths := []string{}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), name))
	}
	if Multiarch != "unknown" {
		paths = append(paths, filepath.Join("/usr/lib", Multiarch, name))
	}
	paths = append(paths, filepath.Join("/usr/local/lib", name), filepath.Join("/usr/lib", name))
	return paths
}

// FindLibrary returns the first of LibraryPaths that exists, or an empty string
func FindLibrary(name string) string {
	for _, p := range LibraryPaths(name) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
