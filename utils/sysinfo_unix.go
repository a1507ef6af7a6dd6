//go:build !windows

package utils

import "golang.org/x/sys/unix"

// platformVersion returns the kernel version string and release.
func platformVersion() (version, release string) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown", "unknown"
	}
	return unix.ByteSliceToString(uts.Version[:]), unix.ByteSliceToString(uts.Release[:])
}
