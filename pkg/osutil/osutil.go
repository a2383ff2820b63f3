// Package osutil holds small OS-level helpers shared across aidb.
package osutil

import "runtime"

// WithNewline appends the platform line ending to b.
func WithNewline(b []byte) []byte {
	if runtime.GOOS == "windows" {
		return append(b, '\r', '\n')
	}
	return append(b, '\n')
}
