//go:build windows

package utils

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func platformVersion() (version, release string) {
	v := windows.RtlGetVersion()
	if v == nil {
		return "unknown", "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber), fmt.Sprintf("%d", v.MajorVersion)
}
