package cmd

import (
	"fmt"
	"io"
	"runtime"
)

// RunVersion prints the application version.
func RunVersion(w io.Writer, appName, appVersion string) error {
	_, err := fmt.Fprintf(w, "%s version %s (%s %s/%s)\n", appName, appVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
