// Package socket manages the weave-compute Unix domain socket: path
// derivation, listener creation with stale-socket recovery, worker-mode
// connection, peer authentication, and cleanup.
//
// Security:
//   - Socket directory created with mode 0700 (owner only)
//   - Socket file created with mode 0600 (owner read/write only)
//   - Stale socket detection prevents startup failures after a crash
//   - SO_PEERCRED authentication verifies the connecting process UID
package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DirName is the socket directory name under XDG_RUNTIME_DIR.
	DirName = "weave"

	// FileName is the socket filename.
	FileName = "weave.sock"

	// PathMax is the platform limit on a Unix socket path including the
	// trailing NUL (108 bytes on Linux).
	PathMax = 108

	// listenBacklog is not applied: Create listens through net.ListenUnix,
	// which uses the platform's default backlog.
	listenBacklog = 5
)

// Default per-connection timeouts for server-mode clients.
const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Errors returned by this package.
var (
	ErrRuntimeDirNotSet = errors.New("socket: XDG_RUNTIME_DIR not set")
	ErrPathTooLong      = errors.New("socket: socket path too long")
	ErrNotADirectory    = errors.New("socket: socket directory path exists and is not a directory")
	ErrAlreadyRunning   = errors.New("socket: another instance is already listening")
	ErrAuthFailed       = errors.New("socket: could not get peer credentials")
	ErrUIDMismatch      = errors.New("socket: peer UID does not match process UID")
)

// Path returns the canonical socket path,
// $XDG_RUNTIME_DIR/weave/weave.sock.
func Path() (string, error) {
	dir, err := DirPath()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	if len(path)+1 > PathMax {
		return "", ErrPathTooLong
	}
	return path, nil
}

// DirPath returns the socket directory, $XDG_RUNTIME_DIR/weave.
func DirPath() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", ErrRuntimeDirNotSet
	}
	dir := filepath.Join(runtimeDir, DirName)
	if len(dir)+1 > PathMax {
		return "", ErrPathTooLong
	}
	return dir, nil
}

// Endpoint is a bound listener (server mode) or a connected socket (worker
// mode). Only the endpoint that created the filesystem entry removes it.
type Endpoint struct {
	listener *net.UnixListener
	conn     *net.UnixConn
	path     string
	owned    bool
}

// ensureDir creates the socket directory with mode 0700, tightening the
// mode if a weaker directory already exists.
func ensureDir(dir string) error {
	st, err := os.Stat(dir)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotADirectory, dir)
		}
		if st.Mode().Perm() != 0o700 {
			if err := os.Chmod(dir, 0o700); err != nil {
				return fmt.Errorf("tightening socket directory mode: %w", err)
			}
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("checking socket directory: %w", err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	return nil
}

// IsStale reports whether a socket file exists at path with no process
// listening behind it. A successful test connect means a live instance; a
// refused connect means the owner is gone.
func IsStale(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	if st.Mode().Type() != os.ModeSocket {
		return false
	}

	c, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		c.Close()
		return false
	}
	return true
}

// isLive reports whether a process answers on the socket at path.
func isLive(path string) bool {
	c, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// Create builds the listening endpoint at the canonical path: derives the
// path, prepares the directory, removes a stale socket if one is found,
// binds, listens, and sets the socket file to mode 0600.
//
// If a live instance already answers at the path, Create fails with
// ErrAlreadyRunning.
func Create() (*Endpoint, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	dir, err := DirPath()
	if err != nil {
		return nil, err
	}

	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		if isLive(path) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
		}
		if IsStale(path) {
			logrus.WithField("path", path).Info("removing stale socket")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing stale socket: %w", err)
			}
		}
	}

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		// A crash between the staleness probe and bind can leave the
		// entry behind. Retry once if the probe still says stale.
		if IsStale(path) {
			if rmErr := os.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
				l, err = net.ListenUnix("unix", addr)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", path, err)
		}
	}

	// Unlinking is handled explicitly by Cleanup so ownership stays with
	// the process that created the entry.
	l.SetUnlinkOnClose(false)

	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		os.Remove(path)
		return nil, fmt.Errorf("setting socket mode: %w", err)
	}

	return &Endpoint{listener: l, path: path, owned: true}, nil
}

// Connect dials an existing socket created by the parent process (worker
// mode). The returned endpoint does not own the filesystem entry and will
// never unlink it.
func Connect(path string) (*Endpoint, error) {
	if path == "" {
		return nil, errors.New("socket: empty socket path")
	}
	if len(path)+1 > PathMax {
		return nil, ErrPathTooLong
	}

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}

	logrus.WithField("path", path).Info("connected to socket")
	return &Endpoint{conn: conn, path: path, owned: false}, nil
}

// Accept waits for the next client connection (server mode only).
func (e *Endpoint) Accept() (*net.UnixConn, error) {
	if e.listener == nil {
		return nil, errors.New("socket: endpoint is not listening")
	}
	return e.listener.AcceptUnix()
}

// Conn returns the connected socket (worker mode only).
func (e *Endpoint) Conn() *net.UnixConn {
	return e.conn
}

// Path returns the socket path this endpoint is bound or connected to.
func (e *Endpoint) Path() string {
	return e.path
}

// Owned reports whether this endpoint created the filesystem entry.
func (e *Endpoint) Owned() bool {
	return e.owned
}

// Close closes the descriptor without touching the filesystem entry.
func (e *Endpoint) Close() error {
	if e.listener != nil {
		return e.listener.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Cleanup removes the socket file if this endpoint owns it. Safe to call
// when the file is already gone.
func (e *Endpoint) Cleanup() error {
	if !e.owned || e.path == "" {
		return nil
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing socket file: %w", err)
	}
	e.path = ""
	return nil
}

// Timeouts carries the per-I/O deadlines applied to a client connection.
// Zero means "do not set a deadline".
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// DefaultTimeouts returns the server-mode client timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{Read: DefaultReadTimeout, Write: DefaultWriteTimeout}
}

// Validate rejects negative durations.
func (t Timeouts) Validate() error {
	if t.Read < 0 {
		return fmt.Errorf("socket: negative read timeout %v", t.Read)
	}
	if t.Write < 0 {
		return fmt.Errorf("socket: negative write timeout %v", t.Write)
	}
	return nil
}

// ApplyRead arms the read deadline on conn, if one is configured.
func (t Timeouts) ApplyRead(conn net.Conn) error {
	if t.Read == 0 {
		return nil
	}
	return conn.SetReadDeadline(time.Now().Add(t.Read))
}

// ApplyWrite arms the write deadline on conn, if one is configured.
func (t Timeouts) ApplyWrite(conn net.Conn) error {
	if t.Write == 0 {
		return nil
	}
	return conn.SetWriteDeadline(time.Now().Add(t.Write))
}
