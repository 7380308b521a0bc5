// Package strescape sanitizes strings received from remote parties before
// they are stored or displayed.
package strescape

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxDeviceNameLen is the maximum number of runes kept in a device name.
const MaxDeviceNameLen = 64

// DeviceName returns s without the chars that don't belong in a device name
// (control, non printable and invalid utf-8 chars), trimmed of surrounding
// spaces and truncated to MaxDeviceNameLen runes.
func DeviceName(s string) string {
	s = strings.Map(func(r rune) rune {
		if !strconv.IsPrint(r) {
			return -1
		}
		if r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxDeviceNameLen {
		return s
	}
	var n int
	for i := range s {
		if n == MaxDeviceNameLen {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
