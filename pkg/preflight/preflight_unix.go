//go:build !windows

package preflight

// checkVolumeExists is a no-op: unix paths have no volume name.
func checkVolumeExists(string) error { return nil }

// isUnsafeRoot reports whether path is the filesystem root.
func isUnsafeRoot(path string) bool {
	return path == "/"
}
