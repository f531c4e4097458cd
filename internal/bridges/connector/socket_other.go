//go:build !unix

package connector

import "syscall"

// reuseAddrControl is a no-op where SO_REUSEADDR is not exposed.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
