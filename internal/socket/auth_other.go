//go:build !linux

package socket

import (
	"fmt"
	"net"
	"runtime"
)

// Authenticate requires SO_PEERCRED, which only Linux provides. Other
// platforms refuse every connection rather than skip the check.
func Authenticate(conn *net.UnixConn) error {
	return fmt.Errorf("%w: peer credentials unavailable on %s", ErrAuthFailed, runtime.GOOS)
}
