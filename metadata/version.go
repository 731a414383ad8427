package metadata

import (
	"fmt"
	"runtime"
)

// Version specifies the caweb server version
var Version = "1.0.0"

// GetVersion returns the server version
func GetVersion() string {
	if Version == "" {
		Version = "development build"
	}
	return Version
}

// GetVersionInfo returns version information for the caweb server
func GetVersionInfo(prgName string) string {
	return fmt.Sprintf("%s:\n Version: %s\n Go version: %s\n OS/Arch: %s\n",
		prgName,
		GetVersion(),
		runtime.Version(),
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}
