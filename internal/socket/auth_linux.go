//go:build linux

package socket

import (
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Authenticate verifies via SO_PEERCRED that the connecting process runs
// as the same UID as this process. Call it immediately after accept and
// before reading any data; on rejection the caller closes the connection
// without sending any bytes.
//
// SO_PEERCRED is kernel-verified and cannot be forged from userspace.
// Rejections are logged at debug level only so unauthorized probes cannot
// flood the operator log.
func Authenticate(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if credErr != nil {
		logrus.WithError(credErr).Debug("auth failed: getsockopt(SO_PEERCRED)")
		return fmt.Errorf("%w: %v", ErrAuthFailed, credErr)
	}

	uid := uint32(os.Getuid())
	if cred.Uid != uid {
		logrus.WithFields(logrus.Fields{
			"peer_uid": cred.Uid,
			"peer_pid": cred.Pid,
			"want_uid": uid,
		}).Debug("auth rejected: uid mismatch")
		return ErrUIDMismatch
	}

	logrus.WithFields(logrus.Fields{
		"peer_uid": cred.Uid,
		"peer_pid": cred.Pid,
	}).Debug("auth accepted")
	return nil
}
